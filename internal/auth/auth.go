package auth

import (
	"database/sql"
	"errors"

	"github.com/mistbroker/mist/pkg/er"
	h "github.com/mistbroker/mist/pkg/hash"
)

// Store backs the broker's Authenticate hook with a sqlite users table.
// AuthorizePublish and AuthorizeSubscribe are default-allow, per spec.md
// §6 ("pluggable; default allow-all") — callers needing ACLs replace
// Store with their own implementation of broker.AuthHooks.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Authenticate verifies a username/password pair against the sqlite users
// table. An unknown username is a verdict-false, not an error; a db
// failure is an error.
func (s *Store) Authenticate(clientID, username, password string) (bool, error) {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, &er.Err{Context: "Auth", Message: err}
	}

	return h.VerifyPasswd(hash, password), nil
}

// AuthorizePublish is the default-allow authorizePublish hook.
func (s *Store) AuthorizePublish(clientID, topic string, payload []byte) (bool, error) {
	return true, nil
}

// AuthorizeSubscribe is the default-allow authorizeSubscribe hook.
func (s *Store) AuthorizeSubscribe(clientID, filter string) (bool, error) {
	return true, nil
}
