package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		ok   bool
	}{
		{"inbound happy path", []State{StateRinging, StateAnswered, StateBridged, StateEnding, StateEnded}, true},
		{"answer without ringing", []State{StateAnswered, StateBridged}, true},
		{"hold and resume", []State{StateAnswered, StateBridged, StateHolding, StateBridged}, true},
		{"cancel while ringing", []State{StateRinging, StateEnding, StateEnded}, true},
		{"bridged before answer", []State{StateRinging, StateBridged}, false},
		{"back to ringing", []State{StateRinging, StateAnswered, StateRinging}, false},
		{"ended is terminal", []State{StateEnding, StateEnded, StateRinging}, false},
		{"skip ending", []State{StateAnswered, StateEnded}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCall("c1", "inbound", "sip:a@x", "sip:b@x", "a", "b")
			var err error
			for _, next := range tt.path {
				if err = c.transition(next); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected transition error")
				}
				if !errors.Is(err, ErrBadTransition) {
					t.Fatalf("error %v does not wrap ErrBadTransition", err)
				}
			}
		})
	}
}

func TestTransitionTimestamps(t *testing.T) {
	c := newCall("c1", "inbound", "sip:a@x", "sip:b@x", "a", "b")

	if err := c.transition(StateAnswered); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	first := c.answeredAt
	c.mu.Unlock()
	if first == nil {
		t.Fatal("answeredAt not set")
	}

	// Holding and resuming must not move the answer time.
	c.transition(StateHolding)
	c.transition(StateBridged)
	c.mu.Lock()
	again := c.answeredAt
	c.mu.Unlock()
	if again != first {
		t.Error("answeredAt changed after hold/resume")
	}

	c.transition(StateEnding)
	c.transition(StateEnded)
	c.mu.Lock()
	ended := c.endedAt
	c.mu.Unlock()
	if ended == nil {
		t.Fatal("endedAt not set")
	}
}

func TestSnapshot(t *testing.T) {
	c := newCall("c2", "outbound", "sip:alice@pbx", "sip:+15551234@pbx", "alice", "+15551234")
	id := int64(7)
	c.mu.Lock()
	c.trunkID = &id
	c.codec = "PCMU"
	c.mu.Unlock()
	c.transition(StateRinging)

	snap := c.Snapshot()
	if snap.ID != "c2" || snap.Direction != "outbound" {
		t.Errorf("identity fields wrong: %+v", snap)
	}
	if snap.State != StateRinging {
		t.Errorf("state = %s, want ringing", snap.State)
	}
	if snap.Codec != "PCMU" {
		t.Errorf("codec = %q", snap.Codec)
	}
	if snap.TrunkID == nil || *snap.TrunkID != 7 {
		t.Errorf("trunk id = %v", snap.TrunkID)
	}
	if snap.AnsweredAt != nil {
		t.Error("answeredAt set before answer")
	}
}

func TestCDRDuration(t *testing.T) {
	c := newCall("c3", "inbound", "sip:a@x", "sip:b@x", "a", "b")
	answered := time.Now().Add(-42 * time.Second)
	ended := time.Now()
	c.mu.Lock()
	c.answeredAt = &answered
	c.endedAt = &ended
	c.endReason = ReasonNormal
	c.codec = "PCMA"
	c.mu.Unlock()

	rec := c.cdr()
	if rec.DurationSecs == nil {
		t.Fatal("duration not computed")
	}
	if *rec.DurationSecs < 41 || *rec.DurationSecs > 43 {
		t.Errorf("duration = %d, want ~42", *rec.DurationSecs)
	}
	if rec.EndReason != ReasonNormal || rec.Codec != "PCMA" {
		t.Errorf("cdr fields wrong: %+v", rec)
	}
}

func TestCDRUnansweredHasNoDuration(t *testing.T) {
	c := newCall("c4", "inbound", "sip:a@x", "sip:b@x", "a", "b")
	ended := time.Now()
	c.mu.Lock()
	c.endedAt = &ended
	c.endReason = ReasonCancelled
	c.mu.Unlock()

	rec := c.cdr()
	if rec.DurationSecs != nil {
		t.Errorf("unanswered call got duration %d", *rec.DurationSecs)
	}
	if rec.AnswerTime != nil {
		t.Error("unanswered call has answer time")
	}
}

func TestCDRRelayCounters(t *testing.T) {
	c := newCall("c5", "local", "sip:a@x", "sip:b@x", "a", "b")
	relay := media.NewRelay(media.RelayConfig{CallID: "c5", Logger: testLogger()})
	relay.Stats.PacketsAToB.Store(120)
	relay.Stats.PacketsBToA.Store(118)
	c.mu.Lock()
	c.relay = relay
	c.mu.Unlock()

	rec := c.cdr()
	if rec.PacketsIn != 120 || rec.PacketsOut != 118 {
		t.Errorf("relay counters not carried: in=%d out=%d", rec.PacketsIn, rec.PacketsOut)
	}
}

func newTestManager(maxCalls int) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    Config{MaxCalls: maxCalls, Realm: "voicebridge", MediaIP: "198.51.100.1"},
		logger: testLogger(),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*Call),
	}
}

func TestAdmitGlobalCap(t *testing.T) {
	m := newTestManager(2)

	for i, id := range []string{"a", "b"} {
		c := newCall(id, "inbound", "sip:x@y", "sip:z@y", "x", "z")
		if code := m.admit(c, 0); code != 0 {
			t.Fatalf("call %d rejected with %d", i, code)
		}
	}

	c := newCall("c", "inbound", "sip:x@y", "sip:z@y", "x", "z")
	if code := m.admit(c, 0); code != 503 {
		t.Errorf("over-cap admit = %d, want 503", code)
	}
	if m.Count() != 2 {
		t.Errorf("count = %d, want 2", m.Count())
	}
}

func TestAdmitPerUserCap(t *testing.T) {
	m := newTestManager(10)

	first := newCall("a", "outbound", "sip:alice@y", "sip:z@y", "alice", "z")
	first.UserID = 42
	if code := m.admit(first, 1); code != 0 {
		t.Fatalf("first call rejected with %d", code)
	}

	second := newCall("b", "outbound", "sip:alice@y", "sip:w@y", "alice", "w")
	second.UserID = 42
	if code := m.admit(second, 1); code != 486 {
		t.Errorf("second call admit = %d, want 486", code)
	}

	// A different user is unaffected.
	other := newCall("c", "outbound", "sip:bob@y", "sip:w@y", "bob", "w")
	other.UserID = 43
	if code := m.admit(other, 1); code != 0 {
		t.Errorf("other user rejected with %d", code)
	}
}

func TestAdmitAfterStop(t *testing.T) {
	m := newTestManager(10)
	m.cancel()

	c := newCall("a", "inbound", "sip:x@y", "sip:z@y", "x", "z")
	if code := m.admit(c, 0); code != 503 {
		t.Errorf("post-shutdown admit = %d, want 503", code)
	}
}

// recordingCDRRepo captures the CDR written at teardown.
type recordingCDRRepo struct {
	created chan *models.CDR
}

func (r *recordingCDRRepo) Create(ctx context.Context, cdr *models.CDR) error {
	r.created <- cdr
	return nil
}
func (r *recordingCDRRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return nil, nil
}
func (r *recordingCDRRepo) List(ctx context.Context, filter database.CDRListFilter) ([]models.CDR, int, error) {
	return nil, 0, nil
}
func (r *recordingCDRRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	return nil, nil
}
func (r *recordingCDRRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

func TestEndCallWritesCDRExactlyOnce(t *testing.T) {
	m := newTestManager(10)
	repo := &recordingCDRRepo{created: make(chan *models.CDR, 2)}
	m.cdrs = repo

	c := newCall("c9", "inbound", "sip:a@x", "sip:b@x", "a", "b")
	c.transition(StateAnswered)
	m.mu.Lock()
	m.calls[c.ID] = c
	m.mu.Unlock()

	m.endCall(c, ReasonNormal)
	m.endCall(c, ReasonAdminAction) // second end must be a no-op

	select {
	case rec := <-repo.created:
		if rec.EndReason != ReasonNormal {
			t.Errorf("end reason = %q, want %q", rec.EndReason, ReasonNormal)
		}
		if rec.CallID != "c9" {
			t.Errorf("call id = %q", rec.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never wrote a cdr")
	}

	select {
	case <-repo.created:
		t.Fatal("cdr written twice")
	case <-time.After(100 * time.Millisecond):
	}

	if m.Count() != 0 {
		t.Errorf("call still tracked after teardown")
	}
	if c.State() != StateEnded {
		t.Errorf("state = %s, want ended", c.State())
	}
}

func TestOfferHasTelephoneEvent(t *testing.T) {
	withTE := []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0 101\r\na=rtpmap:101 telephone-event/8000\r\n")
	withoutTE := []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n")

	sd, err := media.ParseSDP(withTE)
	if err != nil {
		t.Fatal(err)
	}
	if !offerHasTelephoneEvent(sd) {
		t.Error("telephone-event offer not detected")
	}

	sd, err = media.ParseSDP(withoutTE)
	if err != nil {
		t.Fatal(err)
	}
	if offerHasTelephoneEvent(sd) {
		t.Error("plain offer reported telephone-event")
	}
}

func TestCodecName(t *testing.T) {
	if codecName(media.PayloadPCMU) != "PCMU" {
		t.Error("pcmu name wrong")
	}
	if codecName(media.PayloadPCMA) != "PCMA" {
		t.Error("pcma name wrong")
	}
}

func TestTransferURI(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"+15550123", "sip:+15550123@voicebridge"},
		{"sip:agent@support.example.com", "sip:agent@support.example.com"},
		{"sips:agent@support.example.com", "sips:agent@support.example.com"},
	}
	for _, tt := range tests {
		if got := transferURI(tt.target, "voicebridge"); got != tt.want {
			t.Errorf("transferURI(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}
