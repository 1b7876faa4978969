package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/metrics"
)

const (
	MaxAttempts         = 3
	DefaultPollInterval = 10 * time.Millisecond

	cols = 80
	rows = 24

	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorCyan   = "\x1b[36m"

	timeoutMessage = "Connection Timeout (Check IP or Firewall)"
)

// bracketedPaste matches the shell's paste-mode toggles, which the browser
// terminal would otherwise print.
var bracketedPaste = regexp.MustCompile(`\x1b\[\?2004[hl]`)

type Proxy struct {
	dialer       Dialer
	log          *zap.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	now          func() time.Time
}

type Option func(*Proxy)

func WithPollInterval(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

func New(dialer Dialer, logger *zap.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		dialer:       dialer,
		log:          logger.Named("terminal"),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNop()
	}
	return p
}

type session struct {
	id      string
	address string
	d       Duplex
	log     *zap.Logger
}

func (s *session) write(ctx context.Context, text string) error {
	return s.d.WriteText(ctx, text)
}

// Serve runs one terminal session over d until either side goes away. The
// duplex is always closed on return.
func (p *Proxy) Serve(ctx context.Context, d Duplex, address string) error {
	s := &session{
		id:      uuid.NewString(),
		address: address,
		d:       d,
	}
	s.log = p.log.With(zap.String("session", s.id), zap.String("address", address))

	p.metrics.TerminalSessions.Inc()
	defer p.metrics.TerminalSessions.Dec()
	defer d.Close()

	s.log.Info("terminal session opened")
	defer s.log.Info("terminal session closed")

	if err := p.banner(ctx, s); err != nil {
		return err
	}

	client, err := p.login(ctx, s)
	if err != nil {
		return err
	}
	defer client.Close()

	shell, err := client.Shell()
	if err != nil {
		s.write(ctx, fmt.Sprintf("\r\n%sConnection Error: %s%s\r\n\r\n", colorRed, err.Error(), colorReset))
		return &ConnectionError{Address: address, Err: err}
	}
	if err := shell.Resize(cols, rows); err != nil {
		s.log.Debug("resize failed", zap.Error(err))
	}

	stamp := p.now().Format("Mon Jan 02 15:04:05")
	if err := s.write(ctx, fmt.Sprintf("%sLast login: %s from WebConsole%s\r\n", colorGreen, stamp, colorReset)); err != nil {
		shell.Close()
		return err
	}

	p.relay(ctx, s, shell)
	return nil
}

func (p *Proxy) banner(ctx context.Context, s *session) error {
	for _, line := range []string{
		"\r\n",
		fmt.Sprintf("%sConnecting to %s...%s\r\n", colorCyan, s.address, colorReset),
		colorYellow + "Welcome to H-CMP Console Service" + colorReset + "\r\n",
		strings.Repeat("=", 40) + "\r\n",
	} {
		if err := s.write(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// login prompts for credentials until the dialer accepts them, the attempts
// run out, or a non-authentication error occurs.
func (p *Proxy) login(ctx context.Context, s *session) (Client, error) {
	failures := 0
	for failures < MaxAttempts {
		if err := s.write(ctx, "login: "); err != nil {
			return nil, err
		}
		username, err := readLine(ctx, s, true)
		if err != nil {
			return nil, err
		}
		if username == "" {
			continue
		}

		if err := s.write(ctx, "Password: "); err != nil {
			return nil, err
		}
		password, err := readLine(ctx, s, false)
		if err != nil {
			return nil, err
		}
		if err := s.write(ctx, "\r\nVerifying credentials...\r\n"); err != nil {
			return nil, err
		}

		client, err := p.dialer.Dial(ctx, s.address, username, password)
		if err == nil {
			p.metrics.TerminalLogins.WithLabelValues("success").Inc()
			s.log.Info("terminal login succeeded", zap.String("user", username))
			return client, nil
		}

		if errors.Is(err, ErrAuthenticationFailed) {
			failures++
			p.metrics.TerminalLogins.WithLabelValues("rejected").Inc()
			s.log.Warn("terminal login rejected", zap.String("user", username), zap.Int("failures", failures))
			if remaining := MaxAttempts - failures; remaining > 0 {
				if err := s.write(ctx, fmt.Sprintf("\r\n%sLogin incorrect. (%d attempts remaining)%s\r\n\r\n", colorRed, remaining, colorReset)); err != nil {
					return nil, err
				}
				continue
			}
			s.write(ctx, "\r\n"+colorRed+"Too many authentication failures. Connection closed."+colorReset+"\r\n")
			return nil, err
		}

		p.metrics.TerminalLogins.WithLabelValues("error").Inc()
		s.log.Warn("terminal connection failed", zap.Error(err))
		msg := err.Error()
		if isTimeout(err) {
			msg = timeoutMessage
		}
		s.write(ctx, fmt.Sprintf("\r\n%sConnection Error: %s%s\r\n\r\n", colorRed, msg, colorReset))
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Address: s.address, Err: err}
	}
	return nil, ErrAuthenticationFailed
}

// readLine collects one line typed into the browser terminal. Enter submits,
// DEL and backspace erase. Anything after the submit key in the same frame is
// dropped.
func readLine(ctx context.Context, s *session, echo bool) (string, error) {
	var buf []rune
	for {
		data, err := s.d.ReadText(ctx)
		if err != nil {
			return "", err
		}
		for _, r := range data {
			switch r {
			case '\r', '\n':
				if err := s.write(ctx, "\r\n"); err != nil {
					return "", err
				}
				return strings.TrimSpace(string(buf)), nil
			case '\x7f', '\b':
				if len(buf) > 0 {
					buf = buf[:len(buf)-1]
					if err := s.write(ctx, "\b \b"); err != nil {
						return "", err
					}
				}
			default:
				buf = append(buf, r)
				if echo {
					if err := s.write(ctx, string(r)); err != nil {
						return "", err
					}
				}
			}
		}
	}
}

// relay pumps bytes both ways until one direction stops. The shell and the
// duplex are closed before it returns.
func (p *Proxy) relay(ctx context.Context, s *session, shell Shell) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	ended := make(chan string, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.shellToClient(ctx, s, shell)
		ended <- "remote"
	}()
	go func() {
		defer wg.Done()
		clientToShell(ctx, s, shell)
		ended <- "client"
	}()

	side := <-ended
	s.log.Debug("relay ended", zap.String("side", side))
	cancel()
	if err := shell.Close(); err != nil {
		s.log.Debug("closing shell", zap.Error(err))
	}
	s.d.Close()
	wg.Wait()
}

func (p *Proxy) shellToClient(ctx context.Context, s *session, shell Shell) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		for {
			chunk, ok := shell.Recv()
			if !ok {
				break
			}
			text := bracketedPaste.ReplaceAllString(strings.ToValidUTF8(string(chunk), ""), "")
			if text == "" {
				continue
			}
			if err := s.write(ctx, text); err != nil {
				return
			}
		}
		if shell.Exited() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func clientToShell(ctx context.Context, s *session, shell Shell) {
	for {
		data, err := s.d.ReadText(ctx)
		if err != nil {
			return
		}
		data = strings.ReplaceAll(data, "\r", "\n")
		if _, err := shell.Write([]byte(data)); err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
