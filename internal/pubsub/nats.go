package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsPending = 1024

// NATS publishes and subscribes through a NATS server so several controller
// processes can feed the same viewers.
type NATS struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name("hcmp-controller"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATS{nc: nc, url: url, log: logger}, nil
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if n.nc == nil || n.nc.IsClosed() {
		return ErrClosed
	}
	return n.nc.Publish(topic, payload)
}

func (n *NATS) Subscribe(topic string) (Subscription, error) {
	if n.nc == nil || n.nc.IsClosed() {
		return nil, ErrClosed
	}
	ch := make(chan *nats.Msg, natsPending)
	sub, err := n.nc.ChanSubscribe(topic, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return &natsSub{sub: sub, ch: ch}, nil
}

func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

func (s *natsSub) Poll() ([]byte, bool) {
	select {
	case msg := <-s.ch:
		return msg.Data, true
	default:
		return nil, false
	}
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
