package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Built   string `json:"built"`
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "version",
		Short: "Print the matrixsim build",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo{Version: Version, Commit: CommitSHA, Built: BuildDate}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "matrixsim %s (commit=%s, built=%s)\n", info.Version, info.Commit, info.Built)
			return err
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return c
}
