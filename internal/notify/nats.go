package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"recall_pipeline/internal/events"
	"recall_pipeline/internal/logger"
)

const subjectPrefix = "recall."

// Conn is the part of a NATS connection the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher mirrors bus events onto NATS subjects for downstream consumers.
type Publisher struct {
	conn Conn
}

// ConnectPublisher dials url. An empty url returns a nil publisher, which does nothing.
func ConnectPublisher(url string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url, nats.Name("recall-pipeline"))
	if err != nil {
		return nil, err
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &Publisher{conn: nc}, nil
}

func NewPublisher(conn Conn) *Publisher { return &Publisher{conn: conn} }

// Subject names the NATS subject an event goes to; ok is false for unknown events.
func Subject(ev any) (string, bool) {
	switch ev.(type) {
	case events.VersionPublished:
		return subjectPrefix + "version.published", true
	case events.RosterRebuilt:
		return subjectPrefix + "roster.rebuilt", true
	case events.RunFailed:
		return subjectPrefix + "run.failed", true
	}
	return "", false
}

// Publish encodes ev as JSON and sends it to its subject.
func (p *Publisher) Publish(ev any) error {
	if p == nil {
		return nil
	}
	subject, ok := Subject(ev)
	if !ok {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Watch forwards bus events until ctx is done, then closes the connection.
func (p *Publisher) Watch(ctx context.Context, bus *events.Bus) {
	if p == nil {
		return
	}
	ch := bus.Subscribe()
	go func() {
		defer p.conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if err := p.Publish(ev); err != nil {
					logger.Warn("nats publish failed", zap.Error(err))
				}
			}
		}
	}()
}
