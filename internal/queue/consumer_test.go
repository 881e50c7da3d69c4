package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/grapic/internal/models"
)

// fakeMsg overrides the parts of jetstream.Msg that dispatch uses.
type fakeMsg struct {
	jetstream.Msg
	subject   string
	data      []byte
	delivered uint64
	result    string
	delay     time.Duration
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }

func (m *fakeMsg) Ack() error {
	m.result = "ack"
	return nil
}

func (m *fakeMsg) Term() error {
	m.result = "term"
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.result = "nak"
	m.delay = d
	return nil
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

type recordingHandler struct {
	tasks   []models.PhotoTask
	retries []models.RetryRequest
	err     error
}

func (h *recordingHandler) HandleTask(_ context.Context, t models.PhotoTask) error {
	h.tasks = append(h.tasks, t)
	return h.err
}

func (h *recordingHandler) HandleRetry(_ context.Context, r models.RetryRequest) error {
	h.retries = append(h.retries, r)
	return h.err
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDispatch(t *testing.T) {
	event := uuid.New()
	task := models.PhotoTask{JobID: "p:0", PhotoID: uuid.New(), EventID: event}
	req := models.RetryRequest{RequestID: "r1", EventID: event, Limit: 5}

	tests := []struct {
		name       string
		subject    string
		data       []byte
		handlerErr error
		want       string
		tasks      int
		retries    int
	}{
		{"task", processSubject + "." + event.String(), mustJSON(t, task), nil, "ack", 1, 0},
		{"retry", retrySubject + "." + event.String(), mustJSON(t, req), nil, "ack", 0, 1},
		{"handler error", processSubject + "." + event.String(), mustJSON(t, task), errors.New("db down"), "nak", 1, 0},
		{"bad payload", processSubject + "." + event.String(), []byte("{"), nil, "term", 0, 0},
		{"unknown subject", PhotosSubjectBase + ".other", mustJSON(t, task), nil, "term", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{err: tt.handlerErr}
			msg := &fakeMsg{subject: tt.subject, data: tt.data}
			(&Consumer{}).dispatch(context.Background(), 0, h, msg)

			if msg.result != tt.want {
				t.Errorf("message %s, want %s", msg.result, tt.want)
			}
			if len(h.tasks) != tt.tasks || len(h.retries) != tt.retries {
				t.Errorf("handled %d tasks and %d retries", len(h.tasks), len(h.retries))
			}
		})
	}
}

func TestHandlerErrorBacksOff(t *testing.T) {
	task := models.PhotoTask{JobID: "p:0", PhotoID: uuid.New(), EventID: uuid.New()}
	h := &recordingHandler{err: errors.New("db down")}
	msg := &fakeMsg{subject: processSubject + "." + task.EventID.String(), data: mustJSON(t, task), delivered: 3}
	(&Consumer{}).dispatch(context.Background(), 0, h, msg)

	if msg.result != "nak" || msg.delay != 40*time.Second {
		t.Errorf("message %s delay %s, want nak after 40s", msg.result, msg.delay)
	}
}

func TestRedeliverBackoff(t *testing.T) {
	tests := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 80 * time.Second},
		{6, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := redeliverBackoff(tt.delivered); got != tt.want {
			t.Errorf("redeliverBackoff(%d) = %s, want %s", tt.delivered, got, tt.want)
		}
	}
}

func TestPhotosStreamKeepsQueuedTasks(t *testing.T) {
	cfg := photosStreamConfig()
	if cfg.Discard != jetstream.DiscardNew {
		t.Errorf("discard policy = %v, want DiscardNew", cfg.Discard)
	}
	if cfg.Retention != jetstream.WorkQueuePolicy {
		t.Errorf("retention = %v, want work queue", cfg.Retention)
	}
	if cfg.MaxAge != 0 {
		t.Errorf("max age = %s, want tasks kept until acked", cfg.MaxAge)
	}
}
