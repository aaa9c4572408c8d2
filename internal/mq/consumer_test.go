package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Meshwork/internal/transport"
)

type fakeAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acks++; return nil }

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error { return nil }

func delivery(t *testing.T, ack *fakeAck, body []byte, redelivered bool) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered}
}

func envelope(t *testing.T, payload string) []byte {
	t.Helper()
	body, err := json.Marshal(Message{ID: "m1", Type: MessageTypeTopic, Topic: "sensors/temp", Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandleDelivery(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		redelivered bool
		wantAcks    int
		wantNacks   int
		wantRequeue bool
	}{
		{name: "handled", body: envelope(t, `{"v":1}`), wantAcks: 1},
		{name: "malformed goes to DLQ", body: []byte("not json"), wantNacks: 1},
		{name: "handler error requeued once", body: envelope(t, `1`), handlerErr: errors.New("boom"), wantNacks: 1, wantRequeue: true},
		{name: "redelivered failure dead-lettered", body: envelope(t, `1`), handlerErr: errors.New("boom"), redelivered: true, wantNacks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Delivery
			c := NewConsumer(nil, nil, ConsumerConfig{
				Queue: "q",
				Handler: func(_ context.Context, d *Delivery) error {
					got = d
					return tt.handlerErr
				},
			})

			ack := &fakeAck{}
			c.handleDelivery(context.Background(), delivery(t, ack, tt.body, tt.redelivered))

			if ack.acks != tt.wantAcks || ack.nacks != tt.wantNacks {
				t.Errorf("acks=%d nacks=%d, want %d/%d", ack.acks, ack.nacks, tt.wantAcks, tt.wantNacks)
			}
			if ack.nacks > 0 && ack.requeue != tt.wantRequeue {
				t.Errorf("requeue=%v, want %v", ack.requeue, tt.wantRequeue)
			}
			if tt.wantAcks == 1 && (got == nil || got.Message.Topic != "sensors/temp") {
				t.Errorf("handler got %+v", got)
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	msg := &Message{Payload: json.RawMessage(`{"task_id":"t1","state":"COMPLETED"}`)}

	ev, err := ParsePayload[transport.TaskCompletedEvent](msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.TaskID != "t1" || ev.State != "COMPLETED" {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := ParsePayload[int](msg); err == nil {
		t.Error("expected error for mismatched type")
	}
}

func TestRoutingKeyFor(t *testing.T) {
	if got := RoutingKeyFor(transport.TopicTaskCompleted); got != "meshwork.events.task.completed" {
		t.Errorf("unexpected routing key %q", got)
	}
}
