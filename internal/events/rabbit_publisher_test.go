package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchange    string
	key         string
	msg         amqp.Publishing
	hadDeadline bool
	err         error
	closed      bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	_, f.hadDeadline = ctx.Deadline()
	f.exchange = exchange
	f.key = key
	f.msg = msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitPublisherPublish(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitPublisher{ch: ch, exchange: "login.events"}

	err := p.Publish(context.Background(), KeyUserRegistered, UserRegistered{
		UserID: "u1", Input: "ana@example.com", Format: "email", Provider: "code",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.exchange != "login.events" || ch.key != KeyUserRegistered {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if !ch.hadDeadline {
		t.Fatalf("expected a publish timeout")
	}
	if ch.msg.ContentType != "application/json" || ch.msg.DeliveryMode != amqp.Persistent || ch.msg.MessageId == "" {
		t.Fatalf("unexpected message headers %+v", ch.msg)
	}
	var body UserRegistered
	if err := json.Unmarshal(ch.msg.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.UserID != "u1" || body.Input != "ana@example.com" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRabbitPublisherPropagatesErrors(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := &RabbitPublisher{ch: ch, exchange: "login.events"}
	if err := p.Publish(context.Background(), KeyUserSignedIn, UserSignedIn{UserID: "u1"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Fatalf("expected channel to be closed")
	}
}

func TestNilRabbitPublisherIsNoop(t *testing.T) {
	var p *RabbitPublisher
	if err := p.Publish(context.Background(), KeyInputLinked, InputLinked{}); err != nil {
		t.Fatalf("expected nil publisher to be a noop, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
