// Package terminal bridges a browser console to an interactive SSH shell on a
// pool machine. The login prompt is drawn by the proxy itself so credentials
// are collected over the same text channel that later carries the shell.
package terminal

import (
	"context"
	"errors"
	"fmt"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// ConnectionError is any non-authentication failure reaching the remote host.
// It ends the session without another login attempt.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Duplex is the client side of a session: text frames in both directions.
type Duplex interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, s string) error
	Close() error
}

// Dialer opens authenticated remote-shell connections.
type Dialer interface {
	// Dial returns ErrAuthenticationFailed (possibly wrapped) when the
	// credentials are rejected.
	Dial(ctx context.Context, address, username, password string) (Client, error)
}

type Client interface {
	Shell() (Shell, error)
	Close() error
}

// Shell is an interactive shell with a pseudo-terminal.
type Shell interface {
	Write(p []byte) (int, error)
	// Recv returns pending output without blocking.
	Recv() ([]byte, bool)
	// Exited reports whether the remote side has finished and all of its
	// output has been made available to Recv.
	Exited() bool
	Resize(cols, rows int) error
	Close() error
}
