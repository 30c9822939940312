package sip

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"

	// maxUserAuthFailures is the per-account failure budget before the
	// account is locked. Independent of the per-IP BruteForceGuard.
	maxUserAuthFailures = 5
	userLockDuration    = 30 * time.Minute
)

// Authenticator handles SIP digest authentication against the sip_users
// table. Verification runs against the stored HA1 verifier, so the plaintext
// password never leaves the database layer. Two protection layers apply:
// a per-IP BruteForceGuard (fail2ban-style) and a persisted per-account
// failure counter that locks the account after repeated bad credentials.
type Authenticator struct {
	users  database.SipUserRepository
	realm  string
	logger *slog.Logger
	nonces sync.Map // map[string]time.Time of issued nonces
	guard  *BruteForceGuard
}

// NewAuthenticator creates a SIP digest authenticator for the given realm.
func NewAuthenticator(users database.SipUserRepository, realm string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		users:  users,
		realm:  realm,
		logger: logger.With("subsystem", "auth"),
		guard:  NewBruteForceGuard(logger),
	}
}

// Realm returns the digest realm this authenticator challenges with.
func (a *Authenticator) Realm() string { return a.realm }

// authAction tells the responder what to send back to the client.
type authAction int

const (
	authOK authAction = iota
	authChallenge      // send 401 with a fresh nonce
	authStaleChallenge // send 401 with a fresh nonce and stale=true
	authReject         // send outcome.code / outcome.reason
)

// authOutcome is the decision produced by check, separated from the SIP
// response plumbing so the policy is testable on its own.
type authOutcome struct {
	action authAction
	user   *models.SipUser
	code   int
	reason string
}

// Challenge sends a 401 Unauthorized with a WWW-Authenticate header.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction, stale bool) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Algorithm: authAlgoMD5,
		Stale:     stale,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against the sip_users
// table. Returns the matched account on success, or nil if authentication
// failed, in which case the appropriate SIP response has been sent.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *models.SipUser {
	out := a.check(context.Background(), req)

	switch out.action {
	case authOK:
		return out.user
	case authChallenge:
		a.Challenge(req, tx, false)
	case authStaleChallenge:
		a.Challenge(req, tx, true)
	case authReject:
		a.respondError(req, tx, out.code, out.reason)
	}
	return nil
}

// check runs the full authentication policy without touching the transaction.
func (a *Authenticator) check(ctx context.Context, req *sip.Request) authOutcome {
	source := req.Source()

	// Blocked source IPs are rejected before any credential processing.
	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: ip blocked by brute-force guard",
			"source", source,
		)
		return authOutcome{action: authReject, code: 403, reason: "Forbidden"}
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		return authOutcome{action: authChallenge}
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", source,
		)
		a.guard.RecordFailure(source)
		return authOutcome{action: authReject, code: 400, reason: "Bad Request"}
	}

	// Validate the nonce to prevent replay. An expired nonce is a normal
	// client condition, so the re-challenge carries stale=true and the
	// client retries with the same credentials.
	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.logger.Debug("unknown nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		return authOutcome{action: authChallenge}
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging with stale",
			"username", cred.Username,
			"source", source,
		)
		return authOutcome{action: authStaleChallenge}
	}

	user, err := a.users.GetByUsername(ctx, cred.Username)
	if err != nil {
		a.logger.Error("failed to look up sip user",
			"username", cred.Username,
			"error", err,
		)
		return authOutcome{action: authReject, code: 500, reason: "Internal Server Error"}
	}
	if user == nil || !user.Enabled {
		a.logger.Warn("unknown or disabled sip username",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		return authOutcome{action: authReject, code: 403, reason: "Forbidden"}
	}

	// A locked account gets 403 without a fresh challenge so clients stop
	// burning attempts until the lock expires.
	if user.Locked(time.Now()) {
		a.logger.Warn("sip auth rejected: account locked",
			"username", user.Username,
			"source", source,
		)
		return authOutcome{action: authReject, code: 403, reason: "Forbidden"}
	}

	expected := digestResponseFromHA1(user.HA1, string(req.Method), cred.URI, cred.Nonce)
	if cred.Response != expected {
		a.guard.RecordFailure(source)
		count, ferr := a.users.RecordAuthFailure(ctx, user.ID)
		if ferr != nil {
			a.logger.Error("failed to record auth failure",
				"username", user.Username,
				"error", ferr,
			)
		}
		a.logger.Warn("digest auth failed",
			"username", user.Username,
			"source", source,
			"failures", count,
		)
		if count >= maxUserAuthFailures {
			until := time.Now().Add(userLockDuration)
			if lerr := a.users.Lock(ctx, user.ID, until); lerr != nil {
				a.logger.Error("failed to lock sip user",
					"username", user.Username,
					"error", lerr,
				)
			} else {
				a.logger.Warn("sip account locked after repeated auth failures",
					"username", user.Username,
					"locked_until", until,
				)
			}
			return authOutcome{action: authReject, code: 403, reason: "Forbidden"}
		}
		return authOutcome{action: authChallenge}
	}

	// Consume the nonce and clear both failure counters.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)
	if err := a.users.RecordAuthSuccess(ctx, user.ID); err != nil {
		a.logger.Error("failed to clear auth failure counter",
			"username", user.Username,
			"error", err,
		)
	}

	a.logger.Debug("digest auth successful",
		"username", user.Username,
	)
	return authOutcome{action: authOK, user: user}
}

// digestResponseFromHA1 computes the expected RFC 2617 digest response from
// the stored HA1 verifier. The challenge is issued without qop, so the
// original (RFC 2069) computation applies:
//
//	response = md5(HA1 : nonce : md5(method : uri))
func digestResponseFromHA1(ha1, method, uri, nonce string) string {
	ha2 := md5hex(method + ":" + uri)
	return md5hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CleanExpiredNonces removes nonces older than the expiry window and runs
// brute-force guard cleanup to expire old blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// BruteForceGuard returns the per-IP guard for admin visibility
// (listing blocked IPs, manual unblock).
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based nonce.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
