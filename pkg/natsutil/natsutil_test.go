package natsutil

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type ingestNotice struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	nc := startTestNATS(t)

	got := make(chan ingestNotice, 1)
	sub, err := Subscribe(nc, "test.documents", func(_ context.Context, n ingestNotice) {
		got <- n
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	sent := ingestNotice{Filename: "lot-42.pdf", Hash: "abc123"}
	if err := Publish(context.Background(), nc, "test.documents", sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case n := <-got:
		if n != sent {
			t.Fatalf("got %+v, want %+v", n, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := startTestNATS(t)

	got := make(chan ingestNotice, 2)
	sub, err := Subscribe(nc, "test.malformed", func(_ context.Context, n ingestNotice) {
		got <- n
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("test.malformed", []byte("{not json")); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := Publish(context.Background(), nc, "test.malformed", ingestNotice{Filename: "ok.pdf"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case n := <-got:
		if n.Filename != "ok.pdf" {
			t.Fatalf("expected the well-formed message, got %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	select {
	case n := <-got:
		t.Fatalf("malformed message was delivered: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeMsgSeesHeaders(t *testing.T) {
	nc := startTestNATS(t)

	got := make(chan string, 1)
	sub, err := SubscribeMsg(nc, "test.headers", func(_ context.Context, msg *nats.Msg) {
		got <- msg.Header.Get("X-Retry-Count")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	msg := nats.NewMsg("test.headers")
	msg.Data = []byte(`{}`)
	msg.Header.Set("X-Retry-Count", "2")
	if err := nc.PublishMsg(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case v := <-got:
		if v != "2" {
			t.Fatalf("expected retry header 2, got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRequestReply(t *testing.T) {
	nc := startTestNATS(t)

	type statusReq struct {
		VIN string `json:"vin"`
	}
	type statusResp struct {
		State string `json:"state"`
	}

	sub, err := nc.Subscribe("test.status", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"state":"indexed"}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	resp, err := Request[statusReq, statusResp](context.Background(), nc, "test.status",
		statusReq{VIN: "1HGCM82633A004352"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.State != "indexed" {
		t.Fatalf("expected indexed, got %q", resp.State)
	}
}

func TestCarrierHeaderAccess(t *testing.T) {
	msg := &nats.Msg{}
	c := msgCarrier{msg}

	if got := c.Get("traceparent"); got != "" {
		t.Fatalf("expected empty on nil header, got %q", got)
	}
	if keys := c.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}

	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("round trip failed, got %q", got)
	}
	if keys := c.Keys(); len(keys) != 1 {
		t.Fatalf("expected 1 key, got %v", keys)
	}
}
