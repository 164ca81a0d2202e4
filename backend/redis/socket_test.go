package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/inbox/backend"
	goredis "github.com/redis/go-redis/v9"
)

func setup(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func connect(t *testing.T, s *Socket) {
	t.Helper()
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SendSubscribe(ctx); err != nil {
		t.Fatalf("SendSubscribe: %v", err)
	}
}

func waitEnvelope(t *testing.T, ch <-chan backend.Envelope) backend.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return backend.Envelope{}
	}
}

func TestSocketReceivesPublishedEnvelopes(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()

	sock := NewSocket(client, "u1")
	got := make(chan backend.Envelope, 4)
	sock.AddMessageEventListener(func(env backend.Envelope) { got <- env })
	connect(t, sock)
	defer sock.Close()

	if !sock.IsOpen() {
		t.Fatal("expected socket to be open")
	}

	pub := NewPublisher(client)
	msg := &backend.Message{ID: "m1", Title: "hello", CreatedAt: time.Now().UTC()}
	if err := pub.Publish(ctx, "u1", backend.Envelope{Event: backend.EventNewMessage, Message: msg}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := waitEnvelope(t, got)
	if env.Event != backend.EventNewMessage || env.Message == nil || env.Message.Title != "hello" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestSocketIgnoresOtherUsers(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()

	sock := NewSocket(client, "u1")
	got := make(chan backend.Envelope, 4)
	sock.AddMessageEventListener(func(env backend.Envelope) { got <- env })
	connect(t, sock)
	defer sock.Close()

	pub := NewPublisher(client)
	if err := pub.Publish(ctx, "u2", backend.Envelope{Event: backend.EventRead, MessageID: "x"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, "u1", backend.Envelope{Event: backend.EventRead, MessageID: "mine"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := waitEnvelope(t, got)
	if env.MessageID != "mine" {
		t.Errorf("expected only u1 envelope, got %+v", env)
	}
}

func TestSocketDropsMalformedPayloads(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()

	sock := NewSocket(client, "u1")
	got := make(chan backend.Envelope, 4)
	sock.AddMessageEventListener(func(env backend.Envelope) { got <- env })
	connect(t, sock)
	defer sock.Close()

	channel := Channel(DefaultChannelPrefix, "u1")
	if err := client.Publish(ctx, channel, "not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Publish(ctx, channel, `{"event":"read"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Publish(ctx, channel, `{"event":"archive","message_id":"m2"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := waitEnvelope(t, got)
	if env.Event != backend.EventArchive || env.MessageID != "m2" {
		t.Errorf("expected only the valid envelope, got %+v", env)
	}
}

func TestSocketClose(t *testing.T) {
	_, client := setup(t)

	sock := NewSocket(client, "u1")
	closed := make(chan error, 2)
	sock.AddCloseListener(func(err error) { closed <- err })
	connect(t, sock)

	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("expected nil error for deliberate close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close listener not called")
	}
	if sock.IsOpen() {
		t.Error("expected socket to be closed")
	}

	// Second close is a no-op.
	if err := sock.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(closed) != 0 {
		t.Error("close listener called twice")
	}

	if err := sock.SendSubscribe(context.Background()); !errors.Is(err, backend.ErrSocketClosed) {
		t.Errorf("expected ErrSocketClosed, got %v", err)
	}
}

func TestSocketReconnectAfterClose(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()

	sock := NewSocket(client, "u1")
	got := make(chan backend.Envelope, 4)
	sock.AddMessageEventListener(func(env backend.Envelope) { got <- env })
	connect(t, sock)
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	connect(t, sock)
	defer sock.Close()

	if err := NewPublisher(client).Publish(ctx, "u1", backend.Envelope{Event: backend.EventOpened, MessageID: "m1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if env := waitEnvelope(t, got); env.MessageID != "m1" {
		t.Errorf("unexpected envelope after reconnect: %+v", env)
	}
}

func TestSocketServerFailure(t *testing.T) {
	mr, client := setup(t)

	sock := NewSocket(client, "u1")
	closed := make(chan error, 1)
	sock.AddCloseListener(func(err error) { closed <- err })
	connect(t, sock)

	mr.Close()

	select {
	case err := <-closed:
		if !errors.Is(err, backend.ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close listener not called after server failure")
	}
	if sock.IsOpen() {
		t.Error("expected socket to be closed")
	}
}

func TestConnectFailure(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	sock := NewSocket(client, "u1")
	if err := sock.Connect(context.Background()); !errors.Is(err, backend.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if sock.IsOpen() {
		t.Error("socket should stay closed")
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	_, client := setup(t)
	err := NewPublisher(client).Publish(context.Background(), "u1", backend.Envelope{Event: backend.EventRead})
	if err == nil {
		t.Error("expected error for envelope without message id")
	}
}

func TestChannelPrefix(t *testing.T) {
	if got := Channel("p:", "u1"); got != "p:u1" {
		t.Errorf("Channel = %q", got)
	}
	s := NewSocket(nil, "u1", WithChannelPrefix("custom:"))
	if s.channel != "custom:u1" {
		t.Errorf("expected custom prefix, got %q", s.channel)
	}
}
