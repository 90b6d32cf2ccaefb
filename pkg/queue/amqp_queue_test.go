package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestJobPublishingRoundTripsThroughDelivery(t *testing.T) {
	job := Job{
		ID:        "job-1",
		FileID:    "file-1",
		Kind:      "document_thumbnail",
		Params:    map[string]string{"page": "1"},
		Attempts:  2,
		UpdatedAt: time.Now().UTC(),
	}
	msg, err := jobPublishing(job)
	if err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != "job-1" {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	got, err := jobFromDelivery(amqp.Delivery{Body: msg.Body, MessageId: msg.MessageId})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileID != job.FileID || got.Attempts != 2 || got.Params["page"] != "1" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestJobFromDeliveryRejectsMalformedBodies(t *testing.T) {
	if _, err := jobFromDelivery(amqp.Delivery{Body: []byte("not json")}); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := jobFromDelivery(amqp.Delivery{Body: []byte(`{"id":"j1","kind":"thumbnail"}`)}); err == nil {
		t.Fatalf("expected missing fileId error")
	}
}
