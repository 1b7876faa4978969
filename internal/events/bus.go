package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/metrics"
	"github.com/angariumd/hcmp/internal/pubsub"
)

const DefaultPollInterval = 10 * time.Millisecond

// Conn is one live viewer channel.
type Conn interface {
	Send(ctx context.Context, msg string) error
}

// Bus fans events out to viewers grouped by subject. Each subject with at
// least one viewer owns exactly one relay goroutine, which is the only reader
// of that subject's transport subscription.
type Bus struct {
	transport    pubsub.Transport
	log          *zap.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration

	mu       sync.Mutex
	subjects map[Subject]*registration
}

type registration struct {
	conns  []Conn
	cancel context.CancelFunc
	done   chan struct{}
	// stopping is set once the last viewer left. The entry stays in the map
	// until the relay has released its transport subscription.
	stopping bool
}

type Option func(*Bus)

func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func NewBus(transport pubsub.Transport, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		transport:    transport,
		log:          logger.Named("events"),
		pollInterval: DefaultPollInterval,
		subjects:     make(map[Subject]*registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.NewNop()
	}
	return b
}

// Subscribe registers conn under subject, starting the subject's relay if
// conn is its first viewer. If the subject's previous relay is still shutting
// down, Subscribe waits for it to exit first.
func (b *Bus) Subscribe(subject Subject, conn Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		reg, ok := b.subjects[subject]
		if !ok {
			break
		}
		if reg.stopping {
			b.mu.Unlock()
			<-reg.done
			b.mu.Lock()
			if b.subjects[subject] == reg {
				delete(b.subjects, subject)
			}
			continue
		}
		for _, c := range reg.conns {
			if c == conn {
				return nil
			}
		}
		reg.conns = append(reg.conns, conn)
		b.metrics.Subscribers.Inc()
		return nil
	}

	sub, err := b.transport.Subscribe(subject.Topic())
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		conns:  []Conn{conn},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subjects[subject] = reg
	b.metrics.Subscribers.Inc()
	b.metrics.Relays.Inc()

	go b.relay(ctx, subject, sub, reg.done)
	b.log.Debug("relay started", zap.Stringer("subject", subject))
	return nil
}

// Unsubscribe removes conn from subject. Removing the last viewer stops the
// relay and releases the transport subscription before returning. Unknown
// conns are ignored.
func (b *Bus) Unsubscribe(subject Subject, conn Conn) {
	b.mu.Lock()
	reg, ok := b.subjects[subject]
	if !ok {
		b.mu.Unlock()
		return
	}

	idx := -1
	for i, c := range reg.conns {
		if c == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	reg.conns = append(reg.conns[:idx], reg.conns[idx+1:]...)
	b.metrics.Subscribers.Dec()

	if len(reg.conns) > 0 {
		b.mu.Unlock()
		return
	}
	reg.stopping = true
	b.mu.Unlock()

	reg.cancel()
	<-reg.done

	b.mu.Lock()
	if b.subjects[subject] == reg {
		delete(b.subjects, subject)
	}
	b.mu.Unlock()
	b.metrics.Relays.Dec()
	b.log.Debug("relay stopped", zap.Stringer("subject", subject))
}

// Publish hands msg to the transport and also pushes it straight to every
// viewer registered in this process. Failures are logged, never returned.
func (b *Bus) Publish(ctx context.Context, subject Subject, msg string) {
	if err := b.transport.Publish(ctx, subject.Topic(), []byte(msg)); err != nil {
		b.log.Warn("publish failed", zap.Stringer("subject", subject), zap.Error(err))
	}
	b.fanout(ctx, subject, msg)
}

// Subscribers reports how many viewers subject has.
func (b *Bus) Subscribers(subject Subject) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.subjects[subject]; ok {
		return len(reg.conns)
	}
	return 0
}

// Relays reports how many subjects currently have a running relay, including
// relays that are still shutting down.
func (b *Bus) Relays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subjects)
}

// Close stops every relay. Registered conns are dropped, not closed.
func (b *Bus) Close() {
	b.mu.Lock()
	regs := b.subjects
	b.subjects = make(map[Subject]*registration)
	b.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
		<-reg.done
		if reg.stopping {
			// Unsubscribe accounts for it.
			continue
		}
		b.metrics.Relays.Dec()
		b.metrics.Subscribers.Sub(float64(len(reg.conns)))
	}
}

func (b *Bus) relay(ctx context.Context, subject Subject, sub pubsub.Subscription, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("unsubscribe failed", zap.Stringer("subject", subject), zap.Error(err))
		}
	}()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}
			msg, ok := sub.Poll()
			if !ok {
				break
			}
			b.fanout(ctx, subject, string(msg))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bus) fanout(ctx context.Context, subject Subject, msg string) {
	b.mu.Lock()
	reg, ok := b.subjects[subject]
	var conns []Conn
	if ok {
		conns = append(conns, reg.conns...)
	}
	b.mu.Unlock()

	for _, c := range conns {
		b.send(ctx, subject, c, msg)
	}
}

func (b *Bus) send(ctx context.Context, subject Subject, c Conn, msg string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Debug("viewer send panicked", zap.Stringer("subject", subject), zap.Any("panic", r))
		}
	}()
	if err := c.Send(ctx, msg); err != nil {
		b.log.Debug("viewer send failed", zap.Stringer("subject", subject), zap.Error(err))
	}
}
