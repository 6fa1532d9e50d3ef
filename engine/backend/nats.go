package backend

import (
	"context"
	"encoding/json"

	"github.com/WessleyAI/wessley-companion/pkg/natsutil"
)

// Reply is the envelope a NATS handler answers with.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NATSBackend sends requests to {prefix}.{name}.
type NATSBackend struct {
	conn   natsutil.Conn
	prefix string
	guard  Guard
}

// NewNATS creates a NATSBackend.
func NewNATS(conn natsutil.Conn, prefix string, guard Guard) *NATSBackend {
	return &NATSBackend{conn: conn, prefix: prefix, guard: guard}
}

// Subject returns the subject serving name.
func (b *NATSBackend) Subject(name string) string { return b.prefix + "." + name }

// Invoke sends body to the named handler and returns the reply data.
func (b *NATSBackend) Invoke(ctx context.Context, name string, body map[string]any) ([]byte, error) {
	return b.guard.Do(ctx, name, func(ctx context.Context) ([]byte, error) {
		reply, err := natsutil.Request[map[string]any, Reply](ctx, b.conn, b.Subject(name), body)
		if err != nil {
			return nil, err
		}
		if reply.Error != "" {
			return nil, &StatusError{Message: reply.Error}
		}
		return reply.Data, nil
	})
}
