package events

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestMessageIsPersistentJSON(t *testing.T) {
	msg, err := message(Event{Type: TypeDocumentIndexed, DocumentID: "doc-1", Chunks: 7})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.Type != TypeDocumentIndexed {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.DocumentID != "doc-1" || ev.Chunks != 7 || ev.OccurredAt.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMessageRequiresType(t *testing.T) {
	if _, err := message(Event{DocumentID: "doc-1"}); err == nil {
		t.Fatal("expected error for untyped event")
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher(" ", "", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Type: TypeDocumentFailed}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
