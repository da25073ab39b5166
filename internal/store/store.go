// Package store owns durable state for the BBS.
//
// Ownership boundary:
// - public postings and private messages
// - user credentials for terminal login
//
// The dispatcher consumes this package through its own narrow interface,
// so command tests run against an in-memory fake.
package store

import "errors"

var (
	ErrUserExists     = errors.New("store: user already exists")
	ErrUserNotFound   = errors.New("store: user not found")
	ErrBadCredentials = errors.New("store: bad credentials")
)

// PublicMessage is one posting visible to every connected station.
type PublicMessage struct {
	Sender    string
	Content   string
	Timestamp string
}

// PrivateMessage is one addressed message retrievable by its recipient.
type PrivateMessage struct {
	ID        int64
	Sender    string
	Content   string
	Timestamp string
}
