// Package client is the synchronization layer: one component per chat
// resource, each keeping local state in step with the backend of record.
package client

import (
	"errors"

	"telechat/internal/backend"

	"github.com/rs/zerolog"
)

var (
	ErrNoChat             = errors.New("no chat selected")
	ErrNoMessage          = errors.New("no message selected")
	ErrNotAuthenticated   = backend.ErrNotAuthenticated
	ErrEmptyMessage       = errors.New("message is empty")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidMembers     = errors.New("a direct chat needs exactly one other member")
	ErrFileTooLarge       = errors.New("file size exceeds 50MB limit")
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
)

type options struct {
	log      zerolog.Logger
	onChange func()
}

type Option func(*options)

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithOnChange registers a callback invoked after every local state change.
// It runs on the goroutine that caused the change and must not block.
func WithOnChange(f func()) Option {
	return func(o *options) {
		o.onChange = f
	}
}

func newOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) notify() {
	if o.onChange != nil {
		o.onChange()
	}
}

func sessionUser(c backend.Client) (string, error) {
	s, ok := c.Session()
	if !ok || s.UserID == "" {
		return "", ErrNotAuthenticated
	}
	return s.UserID, nil
}
