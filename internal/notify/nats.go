// Package notify publishes incident lifecycle events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

// Publisher is an incident.EventSink that can be closed.
type Publisher interface {
	incident.EventSink
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, incident.Event) error { return nil }
func (Nop) Close() {}

type Options struct {
	// URL of the NATS server. Empty starts an embedded server.
	URL           string
	SubjectPrefix string
	Name          string
}

// NATSPublisher publishes JSON events on <prefix>.<kind>.
type NATSPublisher struct {
	nc     *natsgo.Conn
	s      *server.Server
	prefix string
	logger *zap.Logger
}

func NewNATSPublisher(opts Options, logger *zap.Logger) (*NATSPublisher, error) {
	var s *server.Server
	url := opts.URL
	if url == "" {
		var err error
		s, err = server.NewServer(&server.Options{Port: -1})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
		}
		go s.Start()
		if !s.ReadyForConnections(4 * time.Second) {
			s.Shutdown()
			return nil, errors.New("embedded nats server failed to start")
		}
		url = s.ClientURL()
		logger.Info("Started embedded NATS server", zap.String("url", url))
	}

	name := opts.Name
	if name == "" {
		name = "sentinel"
	}
	nc, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		if s != nil {
			s.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "sentinel.incidents"
	}
	return &NATSPublisher{nc: nc, s: s, prefix: prefix, logger: logger}, nil
}

// URL is the server the publisher is connected to.
func (p *NATSPublisher) URL() string {
	return p.nc.ConnectedUrl()
}

func (p *NATSPublisher) Subject(kind incident.EventKind) string {
	return p.prefix + "." + string(kind)
}

func (p *NATSPublisher) Publish(_ context.Context, event incident.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event.Kind), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Health(context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", p.nc.Status())
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
	if p.s != nil {
		p.s.Shutdown()
	}
}
