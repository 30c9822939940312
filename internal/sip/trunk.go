package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"golang.org/x/time/rate"
)

// TrunkStatus represents the registration state of a trunk.
type TrunkStatus string

const (
	TrunkStatusRegistered   TrunkStatus = "registered"
	TrunkStatusFailed       TrunkStatus = "failed"
	TrunkStatusDisabled     TrunkStatus = "disabled"
	TrunkStatusUnregistered TrunkStatus = "unregistered"
	TrunkStatusRegistering  TrunkStatus = "registering"
)

// TrunkState holds the runtime state for a single trunk.
type TrunkState struct {
	TrunkID        int64
	Name           string
	Type           string
	Status         TrunkStatus
	LastError      string
	RetryAttempt   int
	FailedAt       *time.Time
	RegisteredAt   *time.Time
	ExpiresAt      *time.Time
	LastOptionsAt  *time.Time
	OptionsHealthy bool
	ActiveChannels int64
}

const (
	// healthCheckInterval is how often OPTIONS pings are sent to trunks.
	healthCheckInterval = 30 * time.Second
	// healthCheckTimeout is the max time to wait for an OPTIONS response.
	healthCheckTimeout = 5 * time.Second
)

// trunkEntry holds per-trunk runtime data: the registration/health loops,
// the CPS token bucket and the concurrency slot counter used for admission.
type trunkEntry struct {
	trunk       models.Trunk
	state       TrunkState
	client      *sipgo.Client
	cancel      context.CancelFunc
	healthClose context.CancelFunc
	limiter     *rate.Limiter // nil when MaxCPS is 0 (unlimited)
	active      atomic.Int64
	sourceIPs   map[string]struct{}
}

// TrunkManager owns the runtime side of SIP trunks: upstream registration
// for register-type trunks, OPTIONS health checking, inbound source
// matching, and admission control (per-trunk channel cap + CPS bucket)
// for outbound calls.
type TrunkManager struct {
	ua     *sipgo.UserAgent
	trunks database.TrunkRepository
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[int64]*trunkEntry // keyed by trunk ID
}

// NewTrunkManager creates a trunk manager. Call Start to bring up the
// configured trunks.
func NewTrunkManager(ua *sipgo.UserAgent, trunks database.TrunkRepository, logger *slog.Logger) *TrunkManager {
	return &TrunkManager{
		ua:      ua,
		trunks:  trunks,
		logger:  logger.With("subsystem", "trunks"),
		entries: make(map[int64]*trunkEntry),
	}
}

// Start loads enabled trunks from the database and starts each one.
func (tm *TrunkManager) Start(ctx context.Context) error {
	trunks, err := tm.trunks.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled trunks: %w", err)
	}
	for _, trunk := range trunks {
		if err := tm.StartTrunk(trunk); err != nil {
			tm.logger.Error("failed to start trunk",
				"trunk", trunk.Name,
				"error", err,
			)
		}
	}
	tm.logger.Info("trunk manager started", "trunks", len(trunks))
	return nil
}

// StartTrunk brings up one trunk: registration loop for register-type
// trunks, health checking for all. An already running trunk is restarted.
func (tm *TrunkManager) StartTrunk(trunk models.Trunk) error {
	if !trunk.Enabled {
		tm.setStatus(trunk.ID, trunk.Name, trunk.Type, TrunkStatusDisabled, "")
		return nil
	}

	tm.StopTrunk(trunk.ID)

	client, err := sipgo.NewClient(tm.ua,
		sipgo.WithClientLogger(tm.logger.With("trunk", trunk.Name)),
	)
	if err != nil {
		return fmt.Errorf("creating sip client for trunk %q: %w", trunk.Name, err)
	}

	status := TrunkStatusUnregistered
	if trunk.Type == "register" {
		status = TrunkStatusRegistering
	}

	// Background context so the loops outlive the caller (e.g. an HTTP
	// request that re-enabled the trunk).
	trunkCtx, cancel := context.WithCancel(context.Background())
	healthCtx, healthCancel := context.WithCancel(trunkCtx)

	entry := &trunkEntry{
		trunk:       trunk,
		client:      client,
		cancel:      cancel,
		healthClose: healthCancel,
		sourceIPs:   resolveTrunkIPs(trunk.Host),
		state: TrunkState{
			TrunkID: trunk.ID,
			Name:    trunk.Name,
			Type:    trunk.Type,
			Status:  status,
		},
	}
	if trunk.MaxCPS > 0 {
		entry.limiter = rate.NewLimiter(rate.Limit(trunk.MaxCPS), trunk.MaxCPS)
	}

	tm.mu.Lock()
	tm.entries[trunk.ID] = entry
	tm.mu.Unlock()

	if trunk.Type == "register" {
		go tm.registrationLoop(trunkCtx, entry)
	}
	go tm.healthCheckLoop(healthCtx, entry)

	return nil
}

// StopTrunk cancels the loops for a trunk and sends a best-effort
// un-register for register-type trunks.
func (tm *TrunkManager) StopTrunk(trunkID int64) {
	tm.mu.Lock()
	entry, ok := tm.entries[trunkID]
	if ok {
		delete(tm.entries, trunkID)
	}
	tm.mu.Unlock()

	if !ok {
		return
	}

	if entry.healthClose != nil {
		entry.healthClose()
	}
	entry.cancel()

	if entry.state.Status == TrunkStatusRegistered && entry.trunk.Type == "register" {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if _, err := tm.sendRegister(unregCtx, entry, 0); err != nil {
			tm.logger.Warn("failed to un-register trunk",
				"trunk", entry.trunk.Name,
				"error", err,
			)
		}
	}

	entry.client.Close()
	tm.logger.Info("trunk stopped", "trunk", entry.trunk.Name)
}

// StopAll stops every running trunk. Returns the stopped trunk IDs.
func (tm *TrunkManager) StopAll() []int64 {
	tm.mu.Lock()
	ids := make([]int64, 0, len(tm.entries))
	for id := range tm.entries {
		ids = append(ids, id)
	}
	tm.mu.Unlock()

	for _, id := range ids {
		tm.StopTrunk(id)
	}
	return ids
}

// GetStatus returns the current runtime state for a trunk.
func (tm *TrunkManager) GetStatus(trunkID int64) (TrunkState, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	entry, ok := tm.entries[trunkID]
	if !ok {
		return TrunkState{}, false
	}
	st := entry.state
	st.ActiveChannels = entry.active.Load()
	return st, true
}

// GetAllStatuses returns a snapshot of all trunk states.
func (tm *TrunkManager) GetAllStatuses() []TrunkState {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	states := make([]TrunkState, 0, len(tm.entries))
	for _, entry := range tm.entries {
		st := entry.state
		st.ActiveChannels = entry.active.Load()
		states = append(states, st)
	}
	return states
}

// MatchSource returns the trunk whose host resolves to the given source IP.
// Used to classify inbound INVITEs arriving from a known provider.
func (tm *TrunkManager) MatchSource(ip string) (*models.Trunk, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	for _, entry := range tm.entries {
		if _, ok := entry.sourceIPs[ip]; ok {
			trunk := entry.trunk
			return &trunk, true
		}
	}
	return nil, false
}

// Select returns the trunks eligible for a new outbound call, ordered by
// priority (lowest first). Failed trunks are excluded.
func (tm *TrunkManager) Select() []models.Trunk {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var eligible []models.Trunk
	for _, entry := range tm.entries {
		switch entry.state.Status {
		case TrunkStatusDisabled, TrunkStatusFailed:
			continue
		}
		eligible = append(eligible, entry.trunk)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible
}

// ErrNoTrunksAvailable is returned when every eligible trunk is at capacity
// or no trunk is configured.
var ErrNoTrunksAvailable = fmt.Errorf("no trunks available")

// Admit reserves an outbound channel on the first eligible trunk with both
// a free channel slot and CPS budget. The returned release function gives
// the slot back and is safe to call more than once.
func (tm *TrunkManager) Admit() (*models.Trunk, func(), error) {
	for _, trunk := range tm.Select() {
		tm.mu.RLock()
		entry, ok := tm.entries[trunk.ID]
		tm.mu.RUnlock()
		if !ok {
			continue
		}

		if trunk.MaxChannels > 0 && entry.active.Load() >= int64(trunk.MaxChannels) {
			tm.logger.Debug("trunk at channel capacity",
				"trunk", trunk.Name,
				"max_channels", trunk.MaxChannels,
			)
			continue
		}
		if entry.limiter != nil && !entry.limiter.Allow() {
			tm.logger.Debug("trunk cps budget exhausted", "trunk", trunk.Name)
			continue
		}

		entry.active.Add(1)
		var once sync.Once
		release := func() {
			once.Do(func() { entry.active.Add(-1) })
		}
		t := trunk
		return &t, release, nil
	}
	return nil, nil, ErrNoTrunksAvailable
}

// FormatNumber applies the trunk's prefix rules to a dialed number.
func FormatNumber(trunk *models.Trunk, number string) string {
	return applyPrefixRules(number, trunk.PrefixStrip, trunk.PrefixAdd)
}

// applyPrefixRules strips leading digits and prepends a prefix.
func applyPrefixRules(number string, strip int, add string) string {
	if strip > 0 {
		if strip >= len(number) {
			number = ""
		} else {
			number = number[strip:]
		}
	}
	return add + number
}

// resolveTrunkIPs maps a trunk host to the set of IPs it may send from.
// A literal IP maps to itself; hostnames are resolved once at trunk start.
func resolveTrunkIPs(host string) map[string]struct{} {
	ips := make(map[string]struct{})
	if host == "" {
		return ips
	}
	if ip := net.ParseIP(host); ip != nil {
		ips[ip.String()] = struct{}{}
		return ips
	}
	resolved, err := net.LookupHost(host)
	if err != nil {
		return ips
	}
	for _, ip := range resolved {
		ips[ip] = struct{}{}
	}
	return ips
}

// registrationLoop runs the registration lifecycle for a register-type
// trunk: initial register, then periodic re-registration with backoff on
// failure.
func (tm *TrunkManager) registrationLoop(ctx context.Context, entry *trunkEntry) {
	trunk := entry.trunk
	expiry := trunk.RegisterExpiry
	if expiry <= 0 {
		expiry = 300
	}

	tm.logger.Info("starting trunk registration",
		"trunk", trunk.Name,
		"host", trunk.Host,
		"port", trunk.Port,
		"transport", trunk.Transport,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		grantedExpiry, err := tm.sendRegister(ctx, entry, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			tm.logger.Error("trunk registration failed",
				"trunk", trunk.Name,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			now := time.Now()
			tm.mu.Lock()
			if e, ok := tm.entries[trunk.ID]; ok {
				e.state.Status = TrunkStatusFailed
				e.state.LastError = err.Error()
				e.state.RetryAttempt = backoff.attempt
				if e.state.FailedAt == nil {
					e.state.FailedAt = &now
				}
			}
			tm.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		// Registered: trust the server-granted expiry for refresh timing.
		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		tm.mu.Lock()
		if e, ok := tm.entries[trunk.ID]; ok {
			e.state.Status = TrunkStatusRegistered
			e.state.LastError = ""
			e.state.RetryAttempt = 0
			e.state.FailedAt = nil
			e.state.RegisteredAt = &now
			e.state.ExpiresAt = &expiresAt
		}
		tm.mu.Unlock()

		tm.logger.Info("trunk registered",
			"trunk", trunk.Name,
			"expires_in", grantedExpiry,
		)

		// Refresh at 80% of the granted expiry to absorb network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			tm.logger.Debug("re-registering trunk", "trunk", trunk.Name)
		}
	}
}

// sendRegister sends a SIP REGISTER with digest auth handling. On success
// it returns the server-granted expiry (which may differ from the request).
func (tm *TrunkManager) sendRegister(ctx context.Context, entry *trunkEntry, expiry int) (int, error) {
	trunk := entry.trunk

	recipientStr := fmt.Sprintf("sip:%s:%d", trunk.Host, trunk.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", trunk.Username, trunk.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", trunk.Username, tm.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := entry.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = tm.resendWithAuth(ctx, entry, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4 the registrar may shorten the requested expiry.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// resendWithAuth answers a 401/407 challenge from the upstream registrar
// and returns the response to the authenticated request.
func (tm *TrunkManager) resendWithAuth(ctx context.Context, entry *trunkEntry, req *sip.Request, challenge *sip.Response, uri string) (*sip.Response, error) {
	trunk := entry.trunk

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	authUser := trunk.Username
	if trunk.AuthUsername != "" {
		authUser = trunk.AuthUsername
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: authUser,
		Password: trunk.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := entry.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated request: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated response: %w", err)
	}
	return res, nil
}

// healthCheckLoop periodically sends OPTIONS pings to a trunk and updates
// the OptionsHealthy flag. IP-type trunks derive their whole status from
// the ping result.
func (tm *TrunkManager) healthCheckLoop(ctx context.Context, entry *trunkEntry) {
	trunk := entry.trunk

	tm.logger.Info("starting health check loop",
		"trunk", trunk.Name,
		"interval", healthCheckInterval.String(),
	)

	// Wait one interval before the first check so registration can settle.
	select {
	case <-ctx.Done():
		return
	case <-time.After(healthCheckInterval):
	}

	for {
		err := tm.sendOptions(ctx, entry)

		tm.mu.Lock()
		if e, ok := tm.entries[trunk.ID]; ok {
			now := time.Now()
			if err == nil {
				e.state.OptionsHealthy = true
				e.state.LastOptionsAt = &now

				if e.state.Type == "ip" && e.state.Status != TrunkStatusRegistered {
					e.state.Status = TrunkStatusRegistered
					e.state.FailedAt = nil
					e.state.LastError = ""
				}
			} else if ctx.Err() == nil {
				e.state.OptionsHealthy = false

				if e.state.Type == "ip" {
					e.state.Status = TrunkStatusFailed
					e.state.LastError = err.Error()
					if e.state.FailedAt == nil {
						e.state.FailedAt = &now
					}
				}

				tm.logger.Warn("health check failed",
					"trunk", trunk.Name,
					"error", err,
				)
			}
		}
		tm.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
	}
}

// sendOptions sends one SIP OPTIONS ping over the trunk's client.
func (tm *TrunkManager) sendOptions(ctx context.Context, entry *trunkEntry) error {
	trunk := entry.trunk

	recipientStr := fmt.Sprintf("sip:%s:%d", trunk.Host, trunk.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))

	pingCtx, pingCancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer pingCancel()

	tx, err := entry.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Client returns the sipgo client for a trunk, used by the outbound dialer
// and the SMS sender.
func (tm *TrunkManager) Client(trunkID int64) (*sipgo.Client, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	entry, ok := tm.entries[trunkID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// setStatus updates the status of a trunk in the state map.
func (tm *TrunkManager) setStatus(trunkID int64, name, trunkType string, status TrunkStatus, lastErr string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	entry, ok := tm.entries[trunkID]
	if ok {
		entry.state.Status = status
		entry.state.LastError = lastErr
	} else {
		tm.entries[trunkID] = &trunkEntry{
			state: TrunkState{
				TrunkID:   trunkID,
				Name:      name,
				Type:      trunkType,
				Status:    status,
				LastError: lastErr,
			},
		}
	}
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as "<sip:user@host>;expires=3600". Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (seconds).
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries. Jitter prevents thundering herd when multiple trunks fail
// simultaneously.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
