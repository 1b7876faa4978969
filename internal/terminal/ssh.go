package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort        = "22"
	defaultDialTimeout = 10 * time.Second
	recvChunk          = 1024
)

// SSHDialer logs into pool machines with a password. Host keys are not
// verified: pool machines are reimaged and their keys change.
type SSHDialer struct {
	Port    string
	Timeout time.Duration
}

func NewSSHDialer(timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &SSHDialer{Port: defaultPort, Timeout: timeout}
}

func (d *SSHDialer) Dial(ctx context.Context, address, username, password string) (Client, error) {
	addr := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		addr = net.JoinHostPort(address, d.Port)
	}

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // pool machines are reimaged
		Timeout:         d.Timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake as well as the TCP connect
	conn.SetDeadline(time.Now().Add(d.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) Shell() (Shell, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	sh := &sshShell{
		session: session,
		stdin:   stdin,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go sh.pump(stdout)
	return sh, nil
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

type sshShell struct {
	session   *ssh.Session
	stdin     io.WriteCloser
	out       chan []byte
	eof       atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// pump moves remote output into out until the remote side closes stdout.
func (s *sshShell) pump(r io.Reader) {
	defer func() {
		s.eof.Store(true)
		close(s.out)
	}()
	buf := make([]byte, recvChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.out <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Recv() ([]byte, bool) {
	select {
	case chunk, ok := <-s.out:
		if !ok {
			return nil, false
		}
		return chunk, true
	default:
		return nil, false
	}
}

func (s *sshShell) Exited() bool {
	return s.eof.Load() && len(s.out) == 0
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
