package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	recipient TEXT,
	content TEXT NOT NULL,
	is_private INTEGER DEFAULT 0,
	deleted INTEGER DEFAULT 0,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	last_login DATETIME
);
`

// SQLite is the durable message and user store.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file and applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store open (%s): %w", path, err)
	}
	// The driver rejects concurrent writers with SQLITE_BUSY; a single
	// pooled connection serializes them instead.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping (%s): %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) StorePublic(sender, content string) error {
	_, err := s.db.Exec(
		"INSERT INTO messages (sender, content) VALUES (?, ?)",
		sender, content,
	)
	if err != nil {
		return fmt.Errorf("store public message: %w", err)
	}
	return nil
}

func (s *SQLite) StorePrivate(sender, recipient, content string) error {
	_, err := s.db.Exec(
		"INSERT INTO messages (sender, recipient, content, is_private) VALUES (?, ?, ?, 1)",
		sender, recipient, content,
	)
	if err != nil {
		return fmt.Errorf("store private message: %w", err)
	}
	return nil
}

// ListPublic returns up to limit postings, newest first.
func (s *SQLite) ListPublic(limit int) ([]PublicMessage, error) {
	rows, err := s.db.Query(
		"SELECT sender, content, timestamp FROM messages WHERE is_private = 0 AND deleted = 0 ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list public messages: %w", err)
	}
	defer rows.Close()

	var out []PublicMessage
	for rows.Next() {
		var m PublicMessage
		if err := rows.Scan(&m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan public message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate public messages: %w", err)
	}
	return out, nil
}

// ListPrivate returns up to limit messages addressed to recipient, newest first.
func (s *SQLite) ListPrivate(recipient string, limit int) ([]PrivateMessage, error) {
	rows, err := s.db.Query(
		"SELECT id, sender, content, timestamp FROM messages WHERE recipient = ? AND is_private = 1 AND deleted = 0 ORDER BY id DESC LIMIT ?",
		recipient, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list private messages: %w", err)
	}
	defer rows.Close()

	var out []PrivateMessage
	for rows.Next() {
		var m PrivateMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan private message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate private messages: %w", err)
	}
	return out, nil
}

// DeleteIfOwned marks a message deleted iff it is private and addressed to
// recipient. It reports whether a row matched.
func (s *SQLite) DeleteIfOwned(id int64, recipient string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE messages SET deleted = 1 WHERE id = ? AND recipient = ? AND is_private = 1 AND deleted = 0",
		id, recipient,
	)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	return n > 0, nil
}

// AddUser creates a terminal login with a bcrypt-hashed password.
func (s *SQLite) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO users (username, password) VALUES (?, ?)",
		username, string(hash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return fmt.Errorf("add user %s: %w", username, err)
	}
	return nil
}

// Authenticate verifies a terminal login password.
func (s *SQLite) Authenticate(username, password string) error {
	var hash string
	err := s.db.QueryRow(
		"SELECT password FROM users WHERE username = ?", username,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", username, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// ChangePassword replaces a login's password hash and reports whether the
// user existed.
func (s *SQLite) ChangePassword(username, newPassword string) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.Exec(
		"UPDATE users SET password = ? WHERE username = ?",
		string(hash), username,
	)
	if err != nil {
		return false, fmt.Errorf("change password for %s: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("change password for %s: %w", username, err)
	}
	return n > 0, nil
}

// TouchLastLogin stamps a successful terminal authentication.
func (s *SQLite) TouchLastLogin(username string) error {
	_, err := s.db.Exec(
		"UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE username = ?",
		username,
	)
	if err != nil {
		return fmt.Errorf("touch last login for %s: %w", username, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// the driver does not export a typed constraint error.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
