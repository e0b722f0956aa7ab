package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
)

// ErrPublisherClosed is returned by ConsumeRecord after Close.
var ErrPublisherClosed = errors.New("nats publisher closed")

// NATSConfig configures the NATS publisher
type NATSConfig struct {
	URL            string
	Name           string // Client name
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int

	Logger *zap.Logger
}

// NATSPublisher publishes every record as an Event on
// <prefix>.<exec|exit|kill|unknown>. It implements base.LocalConsumer.
type NATSPublisher struct {
	nc     *natsgo.Conn
	config NATSConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATSPublisher connects to config.URL
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "procwatch"
	}
	if config.Name == "" {
		config.Name = "procwatch"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 60
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	logger := config.Logger

	opts := []natsgo.Option{
		natsgo.Name(config.Name),
		natsgo.Timeout(config.ConnectTimeout),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.MaxReconnects(config.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := natsgo.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{
		nc:     nc,
		config: config,
		logger: logger,
	}, nil
}

// Subject returns the subject rec is published on
func (p *NATSPublisher) Subject(rec probe.Record) string {
	return p.config.SubjectPrefix + "." + rec.Kind.String()
}

// ConsumeRecord publishes rec. Publishing is buffered by the client.
func (p *NATSPublisher) ConsumeRecord(_ context.Context, rec probe.Record) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	data, err := json.Marshal(NewEvent(rec, time.Now()))
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := p.nc.Publish(p.Subject(rec), data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish record: %w", err)
	}
	p.published.Add(1)
	return nil
}

func (p *NATSPublisher) Priority() int { return 10 }

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) ShouldConsume(probe.Record) bool { return true }

// Published returns the number of records handed to the client
func (p *NATSPublisher) Published() uint64 { return p.published.Load() }

// HealthCheck verifies the NATS connection
func (p *NATSPublisher) HealthCheck() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err error
	if p.nc.IsConnected() {
		err = p.nc.FlushTimeout(5 * time.Second)
	}
	p.nc.Close()

	p.logger.Debug("NATS publisher closed",
		zap.Uint64("published", p.published.Load()),
		zap.Uint64("failed", p.failed.Load()),
	)
	return err
}
