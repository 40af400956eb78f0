package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestDeadLetterKeepsPayload(t *testing.T) {
	now := time.Date(2025, 11, 13, 8, 0, 0, 0, time.FixedZone("X", 3600))
	msg := kafka.Message{Topic: "apod.triggers", Partition: 2, Offset: 41, Value: []byte(`{"date":"2025-11-13"}`)}

	dl := deadLetterFor(msg, errors.New("run already active"), now)
	if dl.Topic != "apod.triggers" || dl.Partition != 2 || dl.Offset != 41 {
		t.Fatalf("position = %+v", dl)
	}
	if dl.Error != "run already active" || !dl.FailedAt.Equal(now) || dl.FailedAt.Location() != time.UTC {
		t.Fatalf("error/time = %q %v", dl.Error, dl.FailedAt)
	}
	if string(dl.Payload) != `{"date":"2025-11-13"}` {
		t.Fatalf("payload = %s", dl.Payload)
	}
}

func TestDeadLetterQuotesInvalidJSON(t *testing.T) {
	dl := deadLetterFor(kafka.Message{Value: []byte("not json")}, errors.New("x"), time.Now())
	var s string
	if err := json.Unmarshal(dl.Payload, &s); err != nil || s != "not json" {
		t.Fatalf("payload = %s (%v)", dl.Payload, err)
	}
	if _, err := json.Marshal(dl); err != nil {
		t.Fatalf("dead letter must marshal: %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 8; i++ {
		d = nextBackoff(d)
		got = append(got, d)
	}
	if got[0] != 500*time.Millisecond || got[1] != time.Second || got[2] != 2*time.Second {
		t.Fatalf("backoff = %v", got)
	}
	if got[7] != maxFetchBackoff {
		t.Fatalf("backoff should cap at %v, got %v", maxFetchBackoff, got[7])
	}
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Date string `json:"date"`
	}
	r, err := DecodeJSON[req]([]byte(`{"date":"2025-11-13"}`))
	if err != nil || r.Date != "2025-11-13" {
		t.Fatalf("got %+v, %v", r, err)
	}
	if _, err := DecodeJSON[req]([]byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEncodeSetsEventType(t *testing.T) {
	msg, err := encode(Event{Key: "2025-11-13", Type: DeadLetterType, Value: map[string]int{"n": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "2025-11-13" || string(msg.Value) != `{"n":1}` {
		t.Fatalf("msg = %s/%s", msg.Key, msg.Value)
	}
	if EventType(msg) != DeadLetterType {
		t.Fatalf("event type = %q", EventType(msg))
	}

	untyped, _ := encode(Event{Value: 1})
	if len(untyped.Headers) != 0 || EventType(untyped) != "" {
		t.Fatalf("untyped event should carry no headers: %v", untyped.Headers)
	}
	if _, err := encode(Event{Value: make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
}
