// Package auth guards the mutating API routes with operator sessions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/matrixsim/internal/db"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Store struct {
	sc *securecookie.SecureCookie
	q  db.Querier
}

type ctxKey string

const operatorIDKey ctxKey = "operatorID"

const (
	cookieName = "matrixsim_session"
	sessionTTL = 12 * time.Hour
)

func NewStore(q db.Querier, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, q: q}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateOperator(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, errors.New("username and password are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRow(ctx, `INSERT INTO operators(username, password_bcrypt) VALUES ($1,$2) RETURNING id`, username, hash).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var hash string
	err := s.q.QueryRow(ctx, `SELECT id, password_bcrypt FROM operators WHERE username=$1`, strings.TrimSpace(username)).Scan(&id, &hash)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInvalidCredentials
		}
		return 0, db.WrapNotFound(err)
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

type session struct {
	OperatorID int64
	Version    int
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error {
	encoded, err := s.sc.Encode(cookieName, session{OperatorID: operatorID, Version: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// OperatorID returns the operator of a valid session cookie.
func (s *Store) OperatorID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return 0, false
	}
	var sess session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return 0, false
	}
	if sess.OperatorID <= 0 {
		return 0, false
	}
	return sess.OperatorID, true
}

// RequireAuth rejects requests without a valid session with a JSON 401.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.OperatorID(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), operatorIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func OperatorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
