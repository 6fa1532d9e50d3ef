// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Conn is the subset of *nats.Conn used for outbound messages.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

var _ Conn = (*nats.Conn)(nil)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Handle decodes msg as T and calls handler with the propagated trace context.
// It reports whether the message was well-formed.
func Handle[T any](msg *nats.Msg, handler func(context.Context, T)) bool {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return false
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	handler(ctx, v)
	return true
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Malformed messages are dropped and logged.
func Subscribe[T any](nc *nats.Conn, subject string, logger *slog.Logger, handler func(context.Context, T)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		if !Handle(msg, handler) {
			logger.Warn("natsutil: dropped malformed message", "subject", msg.Subject, "bytes", len(msg.Data))
		}
	})
}

// Request sends a JSON-encoded request and decodes the response.
// The deadline comes from ctx; callers set their own timeout.
func Request[Req, Resp any](ctx context.Context, nc Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode %s reply: %w", subject, err)
	}
	return result, nil
}
