package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDuplex struct {
	in chan string

	mu     sync.Mutex
	out    []string
	closed chan struct{}
	once   sync.Once
}

func newFakeDuplex(input ...string) *fakeDuplex {
	d := &fakeDuplex{in: make(chan string, 16), closed: make(chan struct{})}
	for _, s := range input {
		d.in <- s
	}
	return d
}

func (d *fakeDuplex) ReadText(ctx context.Context) (string, error) {
	select {
	case s, ok := <-d.in:
		if !ok {
			return "", io.EOF
		}
		return s, nil
	case <-d.closed:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *fakeDuplex) WriteText(_ context.Context, s string) error {
	select {
	case <-d.closed:
		return io.ErrClosedPipe
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, s)
	return nil
}

func (d *fakeDuplex) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDuplex) Output() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.out, "")
}

func (d *fakeDuplex) IsClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

type fakeShell struct {
	mu        sync.Mutex
	pending   [][]byte
	written   strings.Builder
	exited    bool
	closed    bool
	resizeErr error
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.written.Write(p)
	return len(p), nil
}

func (s *fakeShell) Recv() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, true
}

func (s *fakeShell) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited && len(s.pending) == 0
}

func (s *fakeShell) Resize(int, int) error { return s.resizeErr }

func (s *fakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeShell) push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, []byte(text))
}

func (s *fakeShell) exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
}

func (s *fakeShell) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *fakeShell) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeClient struct {
	shell  *fakeShell
	shells int
	closed bool
}

func (c *fakeClient) Shell() (Shell, error) {
	c.shells++
	return c.shell, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	calls  []string
	result func(user, pass string) (Client, error)
}

func (d *fakeDialer) Dial(_ context.Context, address, user, pass string) (Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, user+":"+pass)
	d.mu.Unlock()
	return d.result(user, pass)
}

var fixedClock = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }

func newTestProxy(t *testing.T, d Dialer) *Proxy {
	return New(d, zaptest.NewLogger(t), WithPollInterval(time.Millisecond), WithClock(fixedClock))
}

func TestServe_ThreeWrongPasswordsCloses(t *testing.T) {
	client := &fakeClient{shell: &fakeShell{}}
	dialer := &fakeDialer{result: func(string, string) (Client, error) {
		return nil, fmt.Errorf("%w: ssh: unable to authenticate", ErrAuthenticationFailed)
	}}
	d := newFakeDuplex("root\r", "bad1\r", "root\r", "bad2\r", "root\r", "bad3\r")

	err := newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.1")
	require.True(t, errors.Is(err, ErrAuthenticationFailed))

	out := d.Output()
	assert.True(t, strings.HasPrefix(out, "\r\n\x1b[36mConnecting to 10.0.0.1...\x1b[0m\r\n\x1b[33mWelcome to H-CMP Console Service\x1b[0m\r\n"))
	assert.Contains(t, out, "Login incorrect. (2 attempts remaining)")
	assert.Contains(t, out, "Login incorrect. (1 attempts remaining)")
	assert.True(t, strings.HasSuffix(out, "\r\n\x1b[31mToo many authentication failures. Connection closed.\x1b[0m\r\n"))
	assert.NotContains(t, out, "bad")
	assert.Equal(t, 3, strings.Count(out, "Verifying credentials..."))

	assert.Len(t, dialer.calls, 3)
	assert.Zero(t, client.shells)
	assert.True(t, d.IsClosed())
}

func TestServe_ConnectionErrorNoRetry(t *testing.T) {
	dialer := &fakeDialer{result: func(string, string) (Client, error) {
		return nil, fmt.Errorf("dial tcp 10.0.0.9:22: %w", context.DeadlineExceeded)
	}}
	d := newFakeDuplex("root\r", "pw\r", "root\r", "pw\r")

	err := newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.9")
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "10.0.0.9", connErr.Address)

	assert.Contains(t, d.Output(), "\r\n\x1b[31mConnection Error: Connection Timeout (Check IP or Firewall)\x1b[0m\r\n\r\n")
	assert.Len(t, dialer.calls, 1)
	assert.True(t, d.IsClosed())
}

func TestServe_OtherErrorKeepsMessage(t *testing.T) {
	dialer := &fakeDialer{result: func(string, string) (Client, error) {
		return nil, errors.New("dial tcp 10.0.0.9:22: connect: connection refused")
	}}
	d := newFakeDuplex("root\r", "pw\r")

	err := newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.9")
	require.Error(t, err)
	assert.Contains(t, d.Output(), "Connection Error: dial tcp 10.0.0.9:22: connect: connection refused")
}

func TestServe_LineEditing(t *testing.T) {
	shell := &fakeShell{}
	client := &fakeClient{shell: shell}
	dialer := &fakeDialer{result: func(string, string) (Client, error) { return client, nil }}
	d := newFakeDuplex("\r", "roo", "x\x7f", "t\r", "se\bcret\r")

	done := make(chan error, 1)
	go func() { done <- newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.1") }()

	require.Eventually(t, func() bool { return strings.Contains(d.Output(), "Last login") }, time.Second, time.Millisecond)
	close(d.in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after client disconnect")
	}

	assert.Equal(t, []string{"root:scret"}, dialer.calls)
	out := d.Output()
	assert.Equal(t, 2, strings.Count(out, "login: "))
	assert.Equal(t, 2, strings.Count(out, "\b \b"))
	assert.NotContains(t, out, "cret")
	assert.Contains(t, out, "\x1b[32mLast login: Fri Jan 02 15:04:05 from WebConsole\x1b[0m\r\n")
	assert.True(t, shell.IsClosed())
	assert.True(t, client.closed)
}

func TestServe_ShellRelay(t *testing.T) {
	shell := &fakeShell{resizeErr: errors.New("resize unsupported")}
	shell.push("\x1b[?2004hroot@vm:~# \x1b[?2004l")
	client := &fakeClient{shell: shell}
	dialer := &fakeDialer{result: func(string, string) (Client, error) { return client, nil }}
	d := newFakeDuplex("root\r", "pw\r")

	done := make(chan error, 1)
	go func() { done <- newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.1") }()

	require.Eventually(t, func() bool { return strings.Contains(d.Output(), "root@vm:~# ") }, time.Second, time.Millisecond)
	assert.NotContains(t, d.Output(), "2004")

	d.in <- "ls -l\r"
	require.Eventually(t, func() bool { return shell.Written() == "ls -l\n" }, time.Second, time.Millisecond)

	shell.push("total 0\r\n")
	shell.exit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after remote exit")
	}
	assert.True(t, strings.HasSuffix(d.Output(), "total 0\r\n"))
	assert.True(t, shell.IsClosed())
	assert.True(t, d.IsClosed())
	assert.Equal(t, 1, client.shells)
}

func TestServe_ClientGoneDuringLogin(t *testing.T) {
	dialer := &fakeDialer{result: func(string, string) (Client, error) { return nil, errors.New("unreachable") }}
	d := newFakeDuplex("roo")
	close(d.in)

	err := newTestProxy(t, dialer).Serve(context.Background(), d, "10.0.0.1")
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, dialer.calls)
	assert.True(t, d.IsClosed())
}
