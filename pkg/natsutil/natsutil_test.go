package natsutil

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type fakeConn struct {
	published []*nats.Msg
	reply     []byte
	err       error
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeConn) RequestMsgWithContext(_ context.Context, msg *nats.Msg) (*nats.Msg, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, msg)
	return &nats.Msg{Data: f.reply}, nil
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*natsHeaderCarrier)(&nats.Msg{})
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestPublishEncodesJSON(t *testing.T) {
	conn := &fakeConn{}
	if err := Publish(context.Background(), conn, "manual.status", testMsg{Name: "a", Value: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(conn.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conn.published))
	}
	msg := conn.published[0]
	if msg.Subject != "manual.status" || string(msg.Data) != `{"name":"a","value":1}` {
		t.Fatalf("unexpected message: %s %s", msg.Subject, msg.Data)
	}
}

func TestPublishEncodeError(t *testing.T) {
	conn := &fakeConn{}
	if err := Publish(context.Background(), conn, "x", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
	if len(conn.published) != 0 {
		t.Fatal("nothing should be published")
	}
}

func TestRequestDecodesReply(t *testing.T) {
	conn := &fakeConn{reply: []byte(`{"name":"reply","value":2}`)}
	got, err := Request[testMsg, testMsg](context.Background(), conn, "ai.diagnose", testMsg{Name: "q"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got.Name != "reply" || got.Value != 2 {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestRequestErrors(t *testing.T) {
	boom := errors.New("no responders")
	_, err := Request[testMsg, testMsg](context.Background(), &fakeConn{err: boom}, "s", testMsg{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	_, err = Request[testMsg, testMsg](context.Background(), &fakeConn{reply: []byte("{bad")}, "s", testMsg{})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestHandleDropsMalformed(t *testing.T) {
	called := false
	ok := Handle(&nats.Msg{Data: []byte("{invalid json")}, func(context.Context, testMsg) { called = true })
	if ok || called {
		t.Fatal("handler should not run for malformed message")
	}

	var got testMsg
	ok = Handle(&nats.Msg{Data: []byte(`{"name":"x","value":3}`)}, func(_ context.Context, m testMsg) { got = m })
	if !ok || got.Value != 3 {
		t.Fatalf("unexpected: ok=%v got=%+v", ok, got)
	}
}
