package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "voicebridge.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "sip_users", "trunks", "registrations",
		"cdrs", "blocked_numbers", "sms_messages", "admin_users",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestSipUserLifecycleAndLockout(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSipUserRepository(db)

	user := &models.SipUser{
		Username:           "alice",
		HA1:                DigestHA1("alice", "voicebridge", "secret"),
		DisplayName:        "Alice",
		Enabled:            true,
		MaxConcurrentCalls: 2,
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if user.ID == 0 {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := repo.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUsername() error: %v", err)
	}
	if got == nil || got.HA1 != user.HA1 {
		t.Fatalf("GetByUsername() = %+v", got)
	}
	if got.Locked(time.Now()) {
		t.Error("fresh user reported locked")
	}

	// Five failures trip the lockout.
	var count int
	for i := 0; i < 5; i++ {
		count, err = repo.RecordAuthFailure(ctx, user.ID)
		if err != nil {
			t.Fatalf("RecordAuthFailure() error: %v", err)
		}
	}
	if count != 5 {
		t.Errorf("failure count = %d, want 5", count)
	}

	until := time.Now().Add(30 * time.Minute)
	if err := repo.Lock(ctx, user.ID, until); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	got, _ = repo.GetByUsername(ctx, "alice")
	if !got.Locked(time.Now()) {
		t.Error("user not locked after Lock()")
	}

	// Success clears both counter and lock.
	if err := repo.RecordAuthSuccess(ctx, user.ID); err != nil {
		t.Fatalf("RecordAuthSuccess() error: %v", err)
	}
	got, _ = repo.GetByUsername(ctx, "alice")
	if got.FailedAuthAttempts != 0 || got.Locked(time.Now()) {
		t.Errorf("after success: attempts=%d locked=%v", got.FailedAuthAttempts, got.Locked(time.Now()))
	}

	// Missing user returns nil, nil.
	missing, err := repo.GetByUsername(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("GetByUsername(nobody) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestRegistrationUpsertAndExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	users := NewSipUserRepository(db)
	user := &models.SipUser{Username: "bob", HA1: "x", Enabled: true}
	if err := users.Create(ctx, user); err != nil {
		t.Fatal(err)
	}

	repo := NewRegistrationRepository(db)
	reg := &models.Registration{
		SipUserID:  user.ID,
		AOR:        "sip:bob@voicebridge",
		ContactURI: "sip:bob@192.0.2.1:5060",
		Transport:  "udp",
		SourceIP:   "192.0.2.1",
		SourcePort: 5060,
		Expires:    time.Now().Add(time.Hour),
	}
	if err := repo.Upsert(ctx, reg); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	// Same (aor, contact) again must refresh, not duplicate.
	reg.UserAgent = "softphone/2.0"
	if err := repo.Upsert(ctx, reg); err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}
	regs, err := repo.ListByAOR(ctx, reg.AOR)
	if err != nil {
		t.Fatalf("ListByAOR() error: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("ListByAOR() returned %d bindings, want 1", len(regs))
	}
	if regs[0].UserAgent != "softphone/2.0" {
		t.Errorf("upsert did not refresh user_agent: %q", regs[0].UserAgent)
	}

	// Expired bindings disappear from listing and from DeleteExpired.
	expired := &models.Registration{
		SipUserID:  user.ID,
		AOR:        "sip:bob@voicebridge",
		ContactURI: "sip:bob@198.51.100.9:5062",
		Expires:    time.Now().Add(-time.Minute),
	}
	if err := repo.Upsert(ctx, expired); err != nil {
		t.Fatal(err)
	}
	regs, _ = repo.ListByAOR(ctx, reg.AOR)
	if len(regs) != 1 {
		t.Errorf("expired binding listed: %d bindings", len(regs))
	}
	n, err := repo.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeleteExpired() = (%d, %v), want (1, nil)", n, err)
	}

	// Wildcard removal.
	n, err = repo.DeleteByAOR(ctx, reg.AOR)
	if err != nil || n != 1 {
		t.Errorf("DeleteByAOR() = (%d, %v), want (1, nil)", n, err)
	}
}

func TestCDRCreateAndList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCDRRepository(db)

	start := time.Now().Add(-time.Minute)
	answer := start.Add(2 * time.Second)
	end := start.Add(30 * time.Second)
	dur := 28
	cdr := &models.CDR{
		CallID:       "cdr-test-1",
		Direction:    "inbound",
		FromURI:      "sip:+15550001@peer",
		ToURI:        "sip:+15550002@voicebridge",
		StartTime:    start,
		AnswerTime:   &answer,
		EndTime:      &end,
		DurationSecs: &dur,
		EndReason:    "normal",
		Codec:        "PCMU",
		PacketsIn:    1500,
		PacketsOut:   1400,
		BytesToAI:    960000,
	}
	if err := repo.Create(ctx, cdr); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "cdr-test-1")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if got == nil || got.EndReason != "normal" || got.PacketsIn != 1500 {
		t.Fatalf("GetByCallID() = %+v", got)
	}
	if got.DurationSecs == nil || *got.DurationSecs != 28 {
		t.Errorf("DurationSecs = %v, want 28", got.DurationSecs)
	}

	list, total, err := repo.List(ctx, CDRListFilter{Direction: "inbound"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Errorf("List() = %d rows, total %d, want 1/1", len(list), total)
	}
	list, total, _ = repo.List(ctx, CDRListFilter{Direction: "outbound"})
	if total != 0 || len(list) != 0 {
		t.Errorf("direction filter leaked: %d rows, total %d", len(list), total)
	}
	list, total, _ = repo.List(ctx, CDRListFilter{Search: "5550001"})
	if total != 1 {
		t.Errorf("search filter missed: total %d", total)
	}
}

func TestBlockedNumbers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewBlockedNumberRepository(db)

	if err := repo.Create(ctx, &models.BlockedNumber{Number: "+15559999", Reason: "spam"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByNumber(ctx, "+15559999")
	if err != nil || got == nil {
		t.Fatalf("GetByNumber() = (%v, %v)", got, err)
	}
	if got.Reason != "spam" {
		t.Errorf("Reason = %q", got.Reason)
	}

	missing, err := repo.GetByNumber(ctx, "+15550000")
	if err != nil || missing != nil {
		t.Errorf("GetByNumber(unblocked) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestSMSQueueStates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSMSRepository(db)

	out := &models.SMSMessage{
		Direction: "outbound",
		FromURI:   "sip:alice@voicebridge",
		ToURI:     "sip:+15550002@peer",
		Body:      "hello",
	}
	if err := repo.Create(ctx, out); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if out.Status != models.SMSPending {
		t.Errorf("default status = %q, want pending", out.Status)
	}

	pending, err := repo.ListPending(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending() = (%d, %v), want 1", len(pending), err)
	}

	if err := repo.MarkSent(ctx, out.ID); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
	got, _ := repo.GetByID(ctx, out.ID)
	if got.Status != models.SMSSent || got.Attempts != 1 || got.DeliveredAt == nil {
		t.Errorf("after MarkSent: %+v", got)
	}

	pending, _ = repo.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("sent message still pending: %d", len(pending))
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	ok, err := CheckPassword("hunter2!", hash)
	if err != nil || !ok {
		t.Errorf("CheckPassword(correct) = (%v, %v)", ok, err)
	}
	ok, err = CheckPassword("wrong", hash)
	if err != nil || ok {
		t.Errorf("CheckPassword(wrong) = (%v, %v)", ok, err)
	}
}

func TestDigestHA1(t *testing.T) {
	// RFC 2617 example credentials.
	got := DigestHA1("Mufasa", "testrealm@host.com", "Circle Of Life")
	want := "939e7578ed9e3c518a452acee763bce9"
	if got != want {
		t.Errorf("DigestHA1() = %q, want %q", got, want)
	}
}
