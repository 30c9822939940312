package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/sip"
)

const testJWTSecret = "test-admin-jwt-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSipUsers is an in-memory SipUserRepository.
type fakeSipUsers struct {
	mu    sync.Mutex
	users map[int64]*models.SipUser
	next  int64
}

func newFakeSipUsers() *fakeSipUsers {
	return &fakeSipUsers{users: make(map[int64]*models.SipUser)}
}

func (f *fakeSipUsers) Create(ctx context.Context, u *models.SipUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	u.ID = f.next
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeSipUsers) GetByID(ctx context.Context, id int64) (*models.SipUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSipUsers) GetByUsername(ctx context.Context, username string) (*models.SipUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSipUsers) List(ctx context.Context) ([]models.SipUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SipUser
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeSipUsers) Update(ctx context.Context, u *models.SipUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	cp.UpdatedAt = time.Now()
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeSipUsers) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	return nil
}

func (f *fakeSipUsers) RecordAuthFailure(ctx context.Context, id int64) (int, error) {
	return 0, nil
}
func (f *fakeSipUsers) RecordAuthSuccess(ctx context.Context, id int64) error { return nil }
func (f *fakeSipUsers) Lock(ctx context.Context, id int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.LockedUntil = &until
	}
	return nil
}
func (f *fakeSipUsers) Unlock(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.LockedUntil = nil
		u.FailedAuthAttempts = 0
	}
	return nil
}

var _ database.SipUserRepository = (*fakeSipUsers)(nil)

// fakeTrunks is an in-memory TrunkRepository.
type fakeTrunks struct {
	mu     sync.Mutex
	trunks map[int64]*models.Trunk
	next   int64
}

func newFakeTrunks() *fakeTrunks {
	return &fakeTrunks{trunks: make(map[int64]*models.Trunk)}
}

func (f *fakeTrunks) Create(ctx context.Context, t *models.Trunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	t.ID = f.next
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	f.trunks[t.ID] = &cp
	return nil
}

func (f *fakeTrunks) GetByID(ctx context.Context, id int64) (*models.Trunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trunks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeTrunks) List(ctx context.Context) ([]models.Trunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Trunk
	for _, t := range f.trunks {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTrunks) ListEnabled(ctx context.Context) ([]models.Trunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Trunk
	for _, t := range f.trunks {
		if t.Enabled {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTrunks) Update(ctx context.Context, t *models.Trunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	cp.UpdatedAt = time.Now()
	f.trunks[t.ID] = &cp
	return nil
}

func (f *fakeTrunks) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trunks, id)
	return nil
}

var _ database.TrunkRepository = (*fakeTrunks)(nil)

// fakeAdmins is an in-memory AdminUserRepository.
type fakeAdmins struct {
	mu     sync.Mutex
	admins map[int64]*models.AdminUser
	next   int64
}

func newFakeAdmins() *fakeAdmins {
	return &fakeAdmins{admins: make(map[int64]*models.AdminUser)}
}

func (f *fakeAdmins) Create(ctx context.Context, u *models.AdminUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	u.ID = f.next
	cp := *u
	f.admins[u.ID] = &cp
	return nil
}

func (f *fakeAdmins) GetByUsername(ctx context.Context, username string) (*models.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.admins {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAdmins) List(ctx context.Context) ([]models.AdminUser, error) { return nil, nil }

func (f *fakeAdmins) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.admins)), nil
}

func (f *fakeAdmins) Delete(ctx context.Context, id int64) error { return nil }

var _ database.AdminUserRepository = (*fakeAdmins)(nil)

// fakeRegs is a stub RegistrationRepository.
type fakeRegs struct {
	byAOR map[string][]models.Registration
}

func (f *fakeRegs) Upsert(ctx context.Context, reg *models.Registration) error { return nil }
func (f *fakeRegs) ListByAOR(ctx context.Context, aor string) ([]models.Registration, error) {
	return f.byAOR[aor], nil
}
func (f *fakeRegs) DeleteByAORAndContact(ctx context.Context, aor, contactURI string) error {
	return nil
}
func (f *fakeRegs) DeleteByAOR(ctx context.Context, aor string) (int64, error) { return 0, nil }
func (f *fakeRegs) DeleteExpired(ctx context.Context) (int64, error)           { return 0, nil }
func (f *fakeRegs) DeleteAll(ctx context.Context) (int64, error)               { return 0, nil }
func (f *fakeRegs) Count(ctx context.Context) (int64, error)                   { return 0, nil }

var _ database.RegistrationRepository = (*fakeRegs)(nil)

// fakeCDRs is a stub CDRRepository with a fixed record.
type fakeCDRs struct {
	record *models.CDR
}

func (f *fakeCDRs) Create(ctx context.Context, cdr *models.CDR) error { return nil }
func (f *fakeCDRs) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	if f.record != nil && f.record.CallID == callID {
		cp := *f.record
		return &cp, nil
	}
	return nil, nil
}
func (f *fakeCDRs) List(ctx context.Context, filter database.CDRListFilter) ([]models.CDR, int, error) {
	if f.record == nil {
		return nil, 0, nil
	}
	return []models.CDR{*f.record}, 1, nil
}
func (f *fakeCDRs) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	return nil, nil
}
func (f *fakeCDRs) CountByDirection(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"inbound": 3}, nil
}

var _ database.CDRRepository = (*fakeCDRs)(nil)

// fakeBlocked is an in-memory BlockedNumberRepository.
type fakeBlocked struct {
	mu      sync.Mutex
	numbers map[int64]*models.BlockedNumber
	next    int64
}

func newFakeBlocked() *fakeBlocked {
	return &fakeBlocked{numbers: make(map[int64]*models.BlockedNumber)}
}

func (f *fakeBlocked) Create(ctx context.Context, n *models.BlockedNumber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	n.ID = f.next
	n.CreatedAt = time.Now()
	cp := *n
	f.numbers[n.ID] = &cp
	return nil
}

func (f *fakeBlocked) GetByNumber(ctx context.Context, number string) (*models.BlockedNumber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.numbers {
		if n.Number == number {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBlocked) List(ctx context.Context) ([]models.BlockedNumber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BlockedNumber
	for _, n := range f.numbers {
		out = append(out, *n)
	}
	return out, nil
}

func (f *fakeBlocked) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.numbers, id)
	return nil
}

var _ database.BlockedNumberRepository = (*fakeBlocked)(nil)

// fakeSMSRepo is a stub SMSRepository.
type fakeSMSRepo struct{}

func (f *fakeSMSRepo) Create(ctx context.Context, msg *models.SMSMessage) error { return nil }
func (f *fakeSMSRepo) GetByID(ctx context.Context, id int64) (*models.SMSMessage, error) {
	return nil, nil
}
func (f *fakeSMSRepo) List(ctx context.Context, limit, offset int) ([]models.SMSMessage, error) {
	return nil, nil
}
func (f *fakeSMSRepo) MarkSent(ctx context.Context, id int64) error { return nil }
func (f *fakeSMSRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return nil
}
func (f *fakeSMSRepo) RecordAttempt(ctx context.Context, id int64, lastError string) error {
	return nil
}
func (f *fakeSMSRepo) ListPending(ctx context.Context, limit int) ([]models.SMSMessage, error) {
	return nil, nil
}

var _ database.SMSRepository = (*fakeSMSRepo)(nil)

// fakeCallController records terminate/originate requests.
type fakeCallController struct {
	snapshots  []call.Snapshot
	terminated []string
	originated []string
	known      map[string]bool
}

func (f *fakeCallController) Count() int              { return len(f.snapshots) }
func (f *fakeCallController) Active() []call.Snapshot { return f.snapshots }
func (f *fakeCallController) Terminate(callID string) bool {
	f.terminated = append(f.terminated, callID)
	return f.known[callID]
}
func (f *fakeCallController) Originate(ctx context.Context, toNumber string) (string, error) {
	f.originated = append(f.originated, toNumber)
	return "generated-call-id", nil
}

// fakeLifecycle records trunk lifecycle events.
type fakeLifecycle struct {
	started []int64
	stopped []int64
	status  map[int64]sip.TrunkState
}

func (f *fakeLifecycle) StartTrunk(trunk models.Trunk) error {
	f.started = append(f.started, trunk.ID)
	return nil
}
func (f *fakeLifecycle) StopTrunk(trunkID int64) {
	f.stopped = append(f.stopped, trunkID)
}
func (f *fakeLifecycle) GetStatus(trunkID int64) (sip.TrunkState, bool) {
	st, ok := f.status[trunkID]
	return st, ok
}
func (f *fakeLifecycle) GetAllStatuses() []sip.TrunkState {
	var out []sip.TrunkState
	for _, st := range f.status {
		out = append(out, st)
	}
	return out
}

// fakeSMSSender captures enqueued messages.
type fakeSMSSender struct {
	queued []models.SMSMessage
}

func (f *fakeSMSSender) Enqueue(ctx context.Context, fromURI, toURI, body string) (*models.SMSMessage, error) {
	msg := models.SMSMessage{
		ID:        int64(len(f.queued) + 1),
		Direction: "outbound",
		FromURI:   fromURI,
		ToURI:     toURI,
		Body:      body,
		Status:    models.SMSPending,
		CreatedAt: time.Now(),
	}
	f.queued = append(f.queued, msg)
	return &msg, nil
}

type testEnv struct {
	server    *Server
	users     *fakeSipUsers
	trunks    *fakeTrunks
	admins    *fakeAdmins
	blocked   *fakeBlocked
	cdrs      *fakeCDRs
	regs      *fakeRegs
	calls     *fakeCallController
	lifecycle *fakeLifecycle
	sender    *fakeSMSSender
	token     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		users:     newFakeSipUsers(),
		trunks:    newFakeTrunks(),
		admins:    newFakeAdmins(),
		blocked:   newFakeBlocked(),
		cdrs:      &fakeCDRs{},
		regs:      &fakeRegs{byAOR: make(map[string][]models.Registration)},
		calls:     &fakeCallController{known: make(map[string]bool)},
		lifecycle: &fakeLifecycle{status: make(map[int64]sip.TrunkState)},
		sender:    &fakeSMSSender{},
	}

	repos := &database.Repositories{
		SipUsers:       env.users,
		Trunks:         env.trunks,
		Registrations:  env.regs,
		CDRs:           env.cdrs,
		BlockedNumbers: env.blocked,
		SMS:            &fakeSMSRepo{},
		AdminUsers:     env.admins,
	}

	cfg := &config.Config{
		SIPRealm:  "voicebridge",
		JWTSecret: testJWTSecret,
	}

	env.server = NewServer(cfg, repos, env.calls, env.lifecycle, env.sender, nil, nil, testLogger())
	t.Cleanup(env.server.Close)

	token, _, err := middleware.GenerateAdminToken([]byte(testJWTSecret), "admin")
	if err != nil {
		t.Fatal(err)
	}
	env.token = token
	return env
}

// do performs an authenticated request against the test server.
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+env.token)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, rr.Body.String())
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object (body: %s)", env.Data, rr.Body.String())
	}
	return data
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rr.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/sip-users", "/api/v1/trunks", "/api/v1/stats"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		env.server.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token = %d, want 401", path, rr.Code)
		}
	}
}

func TestSetupAndLogin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/setup",
		bytes.NewReader([]byte(`{"username":"admin","password":"correct horse"}`)))
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("setup = %d: %s", rr.Code, rr.Body.String())
	}

	// Second setup attempt is rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/setup",
		bytes.NewReader([]byte(`{"username":"intruder","password":"password123"}`)))
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second setup = %d, want 409", rr.Code)
	}

	// Wrong password.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		bytes.NewReader([]byte(`{"username":"admin","password":"wrong"}`)))
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d, want 401", rr.Code)
	}

	// Correct credentials yield a usable token.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		bytes.NewReader([]byte(`{"username":"admin","password":"correct horse"}`)))
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rr.Code, rr.Body.String())
	}
	data := decodeData(t, rr)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me = %d", rr.Code)
	}
	if me := decodeData(t, rr); me["username"] != "admin" {
		t.Errorf("me = %v", me)
	}
}

func TestCreateSipUser(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/sip-users", map[string]any{
		"username":     "alice",
		"password":     "sip-password",
		"display_name": "Alice",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rr.Code, rr.Body.String())
	}

	data := decodeData(t, rr)
	if data["username"] != "alice" {
		t.Errorf("username = %v", data["username"])
	}
	if _, present := data["ha1"]; present {
		t.Error("response leaks the digest verifier")
	}

	stored, _ := env.users.GetByUsername(context.Background(), "alice")
	if stored == nil {
		t.Fatal("user not persisted")
	}
	want := database.DigestHA1("alice", "voicebridge", "sip-password")
	if stored.HA1 != want {
		t.Errorf("ha1 = %q, want digest of username:realm:password", stored.HA1)
	}

	// Duplicate username.
	rr = env.do(t, http.MethodPost, "/api/v1/sip-users", map[string]any{
		"username": "alice",
		"password": "other",
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", rr.Code)
	}
}

func TestCreateSipUserValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing password", map[string]any{"username": "bob"}},
		{"bad username", map[string]any{"username": "bob smith", "password": "x"}},
		{"unknown field", map[string]any{"username": "bob", "password": "x", "extra": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/sip-users", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("create = %d, want 400", rr.Code)
			}
		})
	}
}

func TestUnlockSipUser(t *testing.T) {
	env := newTestEnv(t)

	until := time.Now().Add(time.Hour)
	user := &models.SipUser{Username: "carol", HA1: "x", Enabled: true}
	env.users.Create(context.Background(), user)
	env.users.Lock(context.Background(), user.ID, until)

	rr := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sip-users/%d/unlock", user.ID), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unlock = %d", rr.Code)
	}

	stored, _ := env.users.GetByID(context.Background(), user.ID)
	if stored.LockedUntil != nil {
		t.Error("lockout not cleared")
	}

	rr = env.do(t, http.MethodPost, "/api/v1/sip-users/999/unlock", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unlock missing = %d, want 404", rr.Code)
	}
}

func TestTrunkLifecycleOnCreateAndDelete(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/trunks", map[string]any{
		"name":     "carrier",
		"type":     "register",
		"host":     "sip.carrier.example",
		"username": "vb-account",
		"password": "trunk-secret",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create trunk = %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.lifecycle.started) != 1 {
		t.Fatalf("started trunks = %v, want one", env.lifecycle.started)
	}

	data := decodeData(t, rr)
	if _, present := data["password"]; present {
		t.Error("trunk response leaks the password")
	}
	if data["port"] != float64(5060) {
		t.Errorf("port default = %v, want 5060", data["port"])
	}

	id := int64(data["id"].(float64))
	rr = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/trunks/%d", id), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete trunk = %d", rr.Code)
	}
	if len(env.lifecycle.stopped) != 1 || env.lifecycle.stopped[0] != id {
		t.Errorf("stopped trunks = %v", env.lifecycle.stopped)
	}
}

func TestGetTrunkIncludesLiveStatus(t *testing.T) {
	env := newTestEnv(t)

	trunk := &models.Trunk{Name: "carrier", Type: "ip", Host: "198.51.100.9", Enabled: true}
	env.trunks.Create(context.Background(), trunk)
	env.lifecycle.status[trunk.ID] = sip.TrunkState{
		TrunkID:        trunk.ID,
		Name:           "carrier",
		Status:         sip.TrunkStatusRegistered,
		OptionsHealthy: true,
	}

	rr := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/trunks/%d", trunk.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get trunk = %d", rr.Code)
	}
	data := decodeData(t, rr)
	if data["status"] != "registered" {
		t.Errorf("status = %v, want registered", data["status"])
	}
	if data["options_healthy"] != true {
		t.Errorf("options_healthy = %v", data["options_healthy"])
	}
}

func TestBlockedNumbersRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/blocked-numbers", map[string]any{
		"number": "+15550199",
		"reason": "spam",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rr.Code, rr.Body.String())
	}

	// Duplicates conflict.
	rr = env.do(t, http.MethodPost, "/api/v1/blocked-numbers", map[string]any{
		"number": "+15550199",
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/blocked-numbers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
}

func TestActiveCallsAndHangup(t *testing.T) {
	env := newTestEnv(t)
	env.calls.snapshots = []call.Snapshot{{ID: "abc", Direction: "inbound"}}
	env.calls.known["abc"] = true

	rr := env.do(t, http.MethodGet, "/api/v1/calls/active", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("active = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/calls/abc/hangup", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("hangup = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/calls/unknown/hangup", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("hangup unknown = %d, want 404", rr.Code)
	}
}

func TestOriginate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/calls/originate", map[string]any{
		"to_number": "+15551234567",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("originate = %d: %s", rr.Code, rr.Body.String())
	}
	data := decodeData(t, rr)
	if data["call_id"] != "generated-call-id" {
		t.Errorf("call_id = %v", data["call_id"])
	}

	rr = env.do(t, http.MethodPost, "/api/v1/calls/originate", map[string]any{
		"to_number": "not a number",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad number = %d, want 400", rr.Code)
	}
}

func TestSendSMS(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/sms/send", map[string]any{
		"to":   "+15550100",
		"body": "appointment reminder",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("send = %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.sender.queued) != 1 {
		t.Fatalf("queued = %d messages", len(env.sender.queued))
	}
	queued := env.sender.queued[0]
	if queued.ToURI != "sip:+15550100@voicebridge" {
		t.Errorf("to uri = %q", queued.ToURI)
	}
	if queued.FromURI != "sip:voicebridge@voicebridge" {
		t.Errorf("from uri = %q", queued.FromURI)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/sms/send", map[string]any{"to": "+15550100"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing body = %d, want 400", rr.Code)
	}
}

func TestGetCDRByCallID(t *testing.T) {
	env := newTestEnv(t)
	env.cdrs.record = &models.CDR{
		ID:        1,
		CallID:    "call-77",
		Direction: "inbound",
		FromURI:   "sip:+15550123@pstn",
		ToURI:     "sip:ai@voicebridge",
		StartTime: time.Now().Add(-time.Minute),
		EndReason: "normal",
	}

	rr := env.do(t, http.MethodGet, "/api/v1/cdrs/call-77", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get cdr = %d", rr.Code)
	}
	data := decodeData(t, rr)
	if data["call_id"] != "call-77" || data["end_reason"] != "normal" {
		t.Errorf("cdr = %v", data)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/cdrs/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing cdr = %d, want 404", rr.Code)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.calls.snapshots = []call.Snapshot{{ID: "a"}, {ID: "b"}}
	env.lifecycle.status[1] = sip.TrunkState{TrunkID: 1, Status: sip.TrunkStatusRegistered}
	env.lifecycle.status[2] = sip.TrunkState{TrunkID: 2, Status: sip.TrunkStatusFailed}

	rr := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats = %d", rr.Code)
	}
	data := decodeData(t, rr)
	if data["active_calls"] != float64(2) {
		t.Errorf("active_calls = %v", data["active_calls"])
	}
	if data["total_trunks"] != float64(2) || data["registered_trunks"] != float64(1) {
		t.Errorf("trunk counts = %v / %v", data["total_trunks"], data["registered_trunks"])
	}
	counts, _ := data["calls_by_direction"].(map[string]any)
	if counts["inbound"] != float64(3) {
		t.Errorf("calls_by_direction = %v", counts)
	}
}
