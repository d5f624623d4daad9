package notifier

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-api/internal/domain/generation"
	"github.com/dreamforge/dreamforge-api/internal/pkg/push"
)

type fakeDeviceStore struct {
	mu          sync.Mutex
	devices     []Device
	deactivated []string
}

func (s *fakeDeviceStore) ListActiveByUser(context.Context, uuid.UUID) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Device(nil), s.devices...), nil
}

func (s *fakeDeviceStore) Deactivate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, token)
	return nil
}

type fakePush struct {
	mu       sync.Mutex
	sent     []string
	badToken string
}

func (p *fakePush) Send(_ context.Context, msg *push.PushMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Token == p.badToken {
		return push.ErrInvalidToken
	}
	p.sent = append(p.sent, msg.Token)
	return nil
}

type fakeRealtime struct {
	mu     sync.Mutex
	events []Event
}

func (r *fakeRealtime) SendToUser(_ uuid.UUID, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := payload.(Event); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func finishedRecord(state generation.State) *generation.Record {
	rec := &generation.Record{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Kind:      generation.KindImage,
		Provider:  "replicate",
		State:     state,
		CreatedAt: time.Now(),
		TerminalAt: sql.NullTime{
			Time:  time.Now(),
			Valid: true,
		},
	}
	if state == generation.StateCompleted {
		rec.Output = sql.NullString{String: "https://cdn.example.com/out.png", Valid: true}
	}
	return rec
}

func TestFanOutDeliversRealtimeAndPush(t *testing.T) {
	devices := &fakeDeviceStore{devices: []Device{
		{Token: "tok-a", Platform: "ios"},
		{Token: "tok-b", Platform: "android"},
	}}
	sender := &fakePush{}
	realtime := &fakeRealtime{}

	svc := NewService(devices, sender, realtime)
	svc.fanOut(finishedRecord(generation.StateCompleted))

	if len(realtime.events) != 1 {
		t.Fatalf("realtime events = %d, want 1", len(realtime.events))
	}
	ev := realtime.events[0]
	if ev.Type != EventGenerationFinished {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.Generation.State != string(generation.StateCompleted) {
		t.Errorf("event state = %q", ev.Generation.State)
	}
	if len(sender.sent) != 2 {
		t.Errorf("pushes sent = %d, want 2", len(sender.sent))
	}
}

func TestFanOutDeactivatesDeadTokens(t *testing.T) {
	devices := &fakeDeviceStore{devices: []Device{
		{Token: "dead-token", Platform: "ios"},
		{Token: "live-token", Platform: "android"},
	}}
	sender := &fakePush{badToken: "dead-token"}

	svc := NewService(devices, sender, &fakeRealtime{})
	svc.fanOut(finishedRecord(generation.StateCompleted))

	if len(devices.deactivated) != 1 || devices.deactivated[0] != "dead-token" {
		t.Fatalf("deactivated = %v, want [dead-token]", devices.deactivated)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "live-token" {
		t.Errorf("sent = %v, want [live-token]", sender.sent)
	}
}

func TestFanOutSurvivesNilChannels(t *testing.T) {
	svc := NewService(nil, nil, nil)
	// Must not panic with every channel absent.
	svc.fanOut(finishedRecord(generation.StateFailed))
}

func TestPushTextByOutcome(t *testing.T) {
	completed := finishedRecord(generation.StateCompleted)
	title, _ := pushText(completed)
	if title != "Generation complete" {
		t.Errorf("title = %q", title)
	}

	cancelled := finishedRecord(generation.StateFailed)
	cancelled.FailureReason = sql.NullString{String: generation.ReasonCancelled, Valid: true}
	title, _ = pushText(cancelled)
	if title != "Generation cancelled" {
		t.Errorf("title = %q", title)
	}

	failed := finishedRecord(generation.StateFailed)
	failed.FailureReason = sql.NullString{String: "provider reported failure", Valid: true}
	title, body := pushText(failed)
	if title != "Generation failed" {
		t.Errorf("title = %q", title)
	}
	if body == "" {
		t.Error("failed push should mention the refund")
	}
}
