package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, p Progress) error

func (f PublisherFunc) Publish(ctx context.Context, p Progress) error { return f(ctx, p) }

// Publishers sends each snapshot to every non-nil publisher and joins
// their errors. One failing publisher does not stop the others.
func Publishers(ps ...Publisher) Publisher {
	var out multiPublisher
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type multiPublisher []Publisher

func (m multiPublisher) Publish(ctx context.Context, p Progress) error {
	var errs []error
	for _, pub := range m {
		if err := pub.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProgressSubjectPrefix is followed by the batch id.
const ProgressSubjectPrefix = "validation.progress."

// MsgPublisher is the part of *nats.Conn the progress publisher uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// headerCarrier adapts nats.Msg headers for OTel propagation.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATSPublisher sends progress snapshots as JSON to
// validation.progress.<batchID>.
type NATSPublisher struct {
	conn MsgPublisher
}

func NewNATSPublisher(conn MsgPublisher) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func ProgressSubject(batchID string) string {
	return ProgressSubjectPrefix + batchID
}

func (n *NATSPublisher) Publish(ctx context.Context, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	msg := &nats.Msg{
		Subject: ProgressSubject(p.BatchID),
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
