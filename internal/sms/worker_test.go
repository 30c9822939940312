package sms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRepo struct {
	mu   sync.Mutex
	msgs map[int64]*models.SMSMessage
	next int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{msgs: make(map[int64]*models.SMSMessage)}
}

func (r *fakeRepo) Create(ctx context.Context, msg *models.SMSMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	msg.ID = r.next
	cp := *msg
	r.msgs[msg.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id int64) (*models.SMSMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.msgs[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) List(ctx context.Context, limit, offset int) ([]models.SMSMessage, error) {
	return nil, nil
}

func (r *fakeRepo) ListPending(ctx context.Context, limit int) ([]models.SMSMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SMSMessage
	for _, m := range r.msgs {
		if m.Status == models.SMSPending && m.Direction == "outbound" {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkSent(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.msgs[id]; ok {
		m.Status = models.SMSSent
		m.Attempts++
	}
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.msgs[id]; ok {
		m.Status = models.SMSFailed
		m.Attempts++
		m.LastError = lastError
	}
	return nil
}

func (r *fakeRepo) RecordAttempt(ctx context.Context, id int64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.msgs[id]; ok {
		m.Attempts++
		m.LastError = lastError
	}
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls []string // trunk names in order
	fail  map[string]error
}

func (s *fakeSender) Send(ctx context.Context, client *sipgo.Client, trunk *models.Trunk, msg *models.SMSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, trunk.Name)
	if err, ok := s.fail[trunk.Name]; ok {
		return err
	}
	return nil
}

type fakeTrunks struct {
	trunks []models.Trunk
}

func (f *fakeTrunks) Select() []models.Trunk { return f.trunks }

var _ database.SMSRepository = (*fakeRepo)(nil)

func newTestWorker(repo *fakeRepo, sender *fakeSender, trunks []models.Trunk) *Worker {
	return NewWorker(repo, sender, &fakeTrunks{trunks: trunks}, nil, testLogger())
}

func TestEnqueue(t *testing.T) {
	repo := newFakeRepo()
	w := newTestWorker(repo, &fakeSender{}, nil)

	msg, err := w.Enqueue(context.Background(), "sip:voicebridge@pbx", "sip:+15551234@pbx", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == 0 {
		t.Error("message not assigned an id")
	}
	if msg.Status != models.SMSPending || msg.Direction != "outbound" {
		t.Errorf("queued message: %+v", msg)
	}
}

func TestEnqueueEmptyBody(t *testing.T) {
	w := newTestWorker(newFakeRepo(), &fakeSender{}, nil)
	if _, err := w.Enqueue(context.Background(), "a", "b", ""); err == nil {
		t.Error("empty body accepted")
	}
}

func TestDrainDeliversAndMarksSent(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	w := newTestWorker(repo, sender, []models.Trunk{{ID: 1, Name: "main"}})

	msg, _ := w.Enqueue(context.Background(), "a", "sip:+15551234@pbx", "hi")
	w.drain(context.Background())

	got, _ := repo.GetByID(context.Background(), msg.ID)
	if got.Status != models.SMSSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if len(sender.calls) != 1 || sender.calls[0] != "main" {
		t.Errorf("sender calls = %v", sender.calls)
	}
}

func TestDrainFallsBackToNextTrunk(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{fail: map[string]error{"primary": fmt.Errorf("timeout")}}
	w := newTestWorker(repo, sender, []models.Trunk{
		{ID: 1, Name: "primary"},
		{ID: 2, Name: "backup"},
	})

	msg, _ := w.Enqueue(context.Background(), "a", "sip:+15551234@pbx", "hi")
	w.drain(context.Background())

	got, _ := repo.GetByID(context.Background(), msg.ID)
	if got.Status != models.SMSSent {
		t.Errorf("status = %q, want sent via backup", got.Status)
	}
	if len(sender.calls) != 2 {
		t.Errorf("sender calls = %v, want primary then backup", sender.calls)
	}
}

func TestDeliveryRetriesThenAbandons(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{fail: map[string]error{"main": fmt.Errorf("503")}}
	w := newTestWorker(repo, sender, []models.Trunk{{ID: 1, Name: "main"}})

	msg, _ := w.Enqueue(context.Background(), "a", "sip:+15551234@pbx", "hi")

	// First two rounds leave the message pending with the attempt counted.
	for round := 1; round < maxAttempts; round++ {
		w.drain(context.Background())
		got, _ := repo.GetByID(context.Background(), msg.ID)
		if got.Status != models.SMSPending {
			t.Fatalf("round %d: status = %q, want pending", round, got.Status)
		}
		if got.Attempts != round {
			t.Fatalf("round %d: attempts = %d", round, got.Attempts)
		}
		if got.LastError == "" {
			t.Fatalf("round %d: last error not recorded", round)
		}
	}

	// The final round flips it to failed.
	w.drain(context.Background())
	got, _ := repo.GetByID(context.Background(), msg.ID)
	if got.Status != models.SMSFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestDrainNoTrunksLeavesPending(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	w := newTestWorker(repo, sender, nil)

	msg, _ := w.Enqueue(context.Background(), "a", "sip:+15551234@pbx", "hi")
	w.drain(context.Background())

	got, _ := repo.GetByID(context.Background(), msg.ID)
	if got.Status != models.SMSPending || got.Attempts != 0 {
		t.Errorf("message touched with no trunks: %+v", got)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sender called with no trunks: %v", sender.calls)
	}
}
