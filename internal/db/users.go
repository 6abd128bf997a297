package db

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is an admin account. Handle optionally records the admin's
// fediverse address for display.
type User struct {
	Username string
	Hash     string `json:"-"`
	Handle   string
	Created  string
}

// Token is an opaque bearer credential for the admin API.
type Token struct {
	Code    string
	User    string
	Created string
}

// GetUser returns the user row for a username.
func (s *Store) GetUser(username string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	var (
		user   User
		handle sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT username, hash, handle, created FROM users WHERE username = `+s.ph(), username,
	).Scan(&user.Username, &user.Hash, &handle, &user.Created)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	user.Handle = handle.String
	return user, nil
}

// GetUsers returns every admin account.
func (s *Store) GetUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT username, hash, handle, created FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		var (
			user   User
			handle sql.NullString
		)
		if err := rows.Scan(&user.Username, &user.Hash, &handle, &user.Created); err != nil {
			return nil, err
		}
		user.Handle = handle.String
		result = append(result, user)
	}
	return result, rows.Err()
}

// PutUser creates an admin account, hashing the password with bcrypt.
func (s *Store) PutUser(username, password, handle string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	user := User{Username: username, Hash: string(hash), Handle: handle, Created: nowStr()}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO users (username, hash, handle, created) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO users (username, hash, handle, created) VALUES ($1, $2, $3, $4)`
	}
	if _, err := s.db.Exec(q, user.Username, user.Hash, nullable(handle), user.Created); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// VerifyUser checks a username/password pair. ErrNotFound means the user
// does not exist; bcrypt's mismatch error means the password is wrong.
func (s *Store) VerifyUser(username, password string) (User, error) {
	user, err := s.GetUser(username)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte(password)); err != nil {
		return User{}, err
	}
	return user, nil
}

// DelUser removes an admin account. Its tokens go with it via the foreign
// key cascade.
func (s *Store) DelUser(username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.Exec(`DELETE FROM users WHERE username = `+s.ph(), username)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}

// ─── Tokens ───────────────────────────────────────────────────────────────────

// GetToken returns the token row for a bearer code.
func (s *Store) GetToken(code string) (Token, error) {
	var token Token
	err := s.db.QueryRow(
		`SELECT code, "user", created FROM tokens WHERE code = `+s.ph(), code,
	).Scan(&token.Code, &token.User, &token.Created)
	if err == sql.ErrNoRows {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

// PutToken mints a new bearer token for a user. The code is an unguessable
// 128-bit value rendered as hex.
func (s *Store) PutToken(username string) (Token, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if _, err := s.GetUser(username); err != nil {
		return Token{}, err
	}

	id := uuid.New()
	token := Token{Code: hex.EncodeToString(id[:]), User: username, Created: nowStr()}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO tokens (code, "user", created) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO tokens (code, "user", created) VALUES ($1, $2, $3)`
	}
	if _, err := s.db.Exec(q, token.Code, token.User, token.Created); err != nil {
		return Token{}, fmt.Errorf("insert token: %w", err)
	}
	return token, nil
}

// DelToken revokes a bearer token.
func (s *Store) DelToken(code string) error {
	res, err := s.db.Exec(`DELETE FROM tokens WHERE code = `+s.ph(), code)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}
