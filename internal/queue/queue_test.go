package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jmalhotra/crashlake/internal/pipeline"
)

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { a.nacked = true; return nil }

// fakePublisher records publishes and can fail for queues matching a
// substring, which is how the dead-letter outage is simulated.
type fakePublisher struct {
	published map[string][]Envelope
	failOn    string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: map[string][]Envelope{}}
}

func (p *fakePublisher) Publish(_ context.Context, queueName string, env Envelope) error {
	if p.failOn != "" && strings.Contains(queueName, p.failOn) {
		return errors.New("broker unavailable")
	}
	p.published[queueName] = append(p.published[queueName], env)
	return nil
}

func testClient(pub Publisher) *Client {
	return &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), pub: pub}
}

func delivery(t *testing.T, env Envelope) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return amqp.Delivery{Acknowledger: &fakeAcknowledger{}, DeliveryTag: 1, Body: body}
}

func TestHandleDeliveryDeadLettersThenAcks(t *testing.T) {
	pub := newFakePublisher()
	c := testClient(pub)
	env, _ := NewEnvelope(uuid.New(), "extract", pipeline.ExtractRequest{})
	d := delivery(t, env)
	ack := d.Acknowledger.(*fakeAcknowledger)

	var deadCat pipeline.Category
	onDead := func(_ context.Context, _ Envelope, cat pipeline.Category, _ error) { deadCat = cat }
	handler := func(context.Context, Envelope) error {
		return pipeline.ConfigErr("unknown dataset", nil)
	}

	c.handleDelivery(context.Background(), "q", 3, d, handler, onDead)

	if len(pub.published["q.dead"]) != 1 {
		t.Fatalf("dead-letter queue got %d messages, want 1", len(pub.published["q.dead"]))
	}
	if deadCat != pipeline.ConfigurationError {
		t.Errorf("onDead category = %s, want %s", deadCat, pipeline.ConfigurationError)
	}
	if !ack.acked || ack.nacked {
		t.Errorf("acked=%v nacked=%v, want acked only", ack.acked, ack.nacked)
	}
}

func TestHandleDeliveryNacksWhenDeadLetterPublishFails(t *testing.T) {
	pub := newFakePublisher()
	pub.failOn = ".dead"
	c := testClient(pub)
	env, _ := NewEnvelope(uuid.New(), "extract", pipeline.ExtractRequest{})
	d := delivery(t, env)
	ack := d.Acknowledger.(*fakeAcknowledger)

	deadCalled := false
	onDead := func(context.Context, Envelope, pipeline.Category, error) { deadCalled = true }
	handler := func(context.Context, Envelope) error {
		return pipeline.ConfigErr("unknown dataset", nil)
	}

	c.handleDelivery(context.Background(), "q", 3, d, handler, onDead)

	if ack.acked {
		t.Error("message acked although no dead-letter copy exists")
	}
	if !ack.nacked || !ack.requeue {
		t.Errorf("nacked=%v requeue=%v, want nack with requeue", ack.nacked, ack.requeue)
	}
	if deadCalled {
		t.Error("onDead fired although the message was not dead-lettered")
	}
}

func TestHandleDeliveryRequeuesTransientWithIncrementedAttempt(t *testing.T) {
	pub := newFakePublisher()
	c := testClient(pub)
	env, _ := NewEnvelope(uuid.New(), "extract", pipeline.ExtractRequest{})
	d := delivery(t, env)
	ack := d.Acknowledger.(*fakeAcknowledger)

	handler := func(context.Context, Envelope) error {
		return pipeline.Transient("store unavailable", errors.New("timeout"))
	}

	c.handleDelivery(context.Background(), "q", 3, d, handler, nil)

	requeued := pub.published["q"]
	if len(requeued) != 1 {
		t.Fatalf("requeued %d messages, want 1", len(requeued))
	}
	if requeued[0].Attempt != 1 {
		t.Errorf("requeued attempt = %d, want 1", requeued[0].Attempt)
	}
	if !ack.acked {
		t.Error("original delivery must be acked after a successful republish")
	}
	if len(pub.published["q.dead"]) != 0 {
		t.Error("transient failure within budget must not dead-letter")
	}
}

func TestDeadLetterQueue(t *testing.T) {
	if got := DeadLetterQueue("extract.requests"); got != "extract.requests.dead" {
		t.Errorf("DeadLetterQueue() = %q", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	corrID := uuid.New()
	req := pipeline.CleanRequest{CorrID: corrID, MergedKey: "merged/crashes/x/merged.csv"}

	env, err := NewEnvelope(corrID, "clean", req)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Attempt != 0 {
		t.Errorf("fresh envelope attempt = %d, want 0", env.Attempt)
	}

	var got pipeline.CleanRequest
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CorrID != corrID || got.MergedKey != req.MergedKey {
		t.Errorf("decoded %+v, want %+v", got, req)
	}
}

func TestEnvelopeDecodeMalformed(t *testing.T) {
	env := Envelope{Stage: "extract", Payload: []byte(`{"corrid": 42`)}
	var req pipeline.ExtractRequest
	if err := env.Decode(&req); err == nil {
		t.Fatal("expected decode error for truncated payload")
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
		wantOK  bool
	}{
		{"missing", amqp.Table{}, 0, false},
		{"int32", amqp.Table{retryCountHeader: int32(3)}, 3, true},
		{"int64", amqp.Table{retryCountHeader: int64(2)}, 2, true},
		{"wrong type", amqp.Table{retryCountHeader: "3"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := retryCount(tt.headers)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("retryCount() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
