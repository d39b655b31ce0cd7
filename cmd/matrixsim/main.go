package main

import "github.com/example/matrixsim/cmd"

func main() {
	cmd.Execute()
}
