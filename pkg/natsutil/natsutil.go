// Package natsutil wraps NATS publish/subscribe with JSON encoding and
// OpenTelemetry trace propagation, so stages connected by the bus share
// one trace.
package natsutil

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// msgCarrier exposes NATS message headers as an OTel TextMapCarrier.
type msgCarrier struct {
	msg *nats.Msg
}

func (c msgCarrier) Get(key string) string {
	if c.msg.Header == nil {
		return ""
	}
	return c.msg.Header.Get(key)
}

func (c msgCarrier) Set(key, val string) {
	if c.msg.Header == nil {
		c.msg.Header = make(nats.Header)
	}
	c.msg.Header.Set(key, val)
}

func (c msgCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Header))
	for k := range c.msg.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish JSON-encodes v and publishes it with the current trace context
// injected into the message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, msgCarrier{msg})
	return nc.PublishMsg(msg)
}

// SubscribeMsg registers a raw message handler. The context passed to the
// handler carries any trace extracted from the message headers.
func SubscribeMsg(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), msgCarrier{msg})
		handler(ctx, msg)
	})
}

// Subscribe registers a typed handler. Messages that fail to decode as T
// are dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return SubscribeMsg(nc, subject, func(ctx context.Context, msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		handler(ctx, v)
	})
}

// Request sends a JSON request and decodes the JSON reply.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	data, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, msgCarrier{msg})
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	reply, err := nc.RequestMsg(msg, timeout)
	if err != nil {
		return zero, err
	}
	var resp Resp
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return zero, err
	}
	return resp, nil
}
