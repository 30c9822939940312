package sip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Dialog is the UAS side of an INVITE dialog: the caller's leg terminated
// at this server. It owns the To tag, tracks whether a final response has
// been sent, and builds in-dialog requests (BYE) toward the caller.
type Dialog struct {
	CallID string

	req     *sip.Request
	tx      sip.ServerTransaction
	client  *sipgo.Client
	contact string // Contact URI advertised in the 200 OK
	logger  *slog.Logger

	mu           sync.Mutex
	localTag     string
	remoteTarget *sip.Uri
	finalSent    bool
	answered     bool
	byeSent      bool
	cseq         uint32
}

// NewServerDialog wraps an incoming INVITE transaction. contact is the URI
// this server advertises for in-dialog requests.
func NewServerDialog(req *sip.Request, tx sip.ServerTransaction, client *sipgo.Client, contact string, logger *slog.Logger) *Dialog {
	d := &Dialog{
		req:      req,
		tx:       tx,
		client:   client,
		contact:  contact,
		localTag: newTag(),
		logger:   logger.With("subsystem", "dialog"),
	}
	if cid := req.CallID(); cid != nil {
		d.CallID = cid.Value()
	}
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address.Clone()
	}
	return d
}

func newTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Offer returns the SDP body of the INVITE.
func (d *Dialog) Offer() []byte { return d.req.Body() }

// Source returns the network source the INVITE arrived from.
func (d *Dialog) Source() string { return d.req.Source() }

// Answered reports whether a 200 OK has been sent on this dialog.
func (d *Dialog) Answered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answered
}

// Ringing sends 180 Ringing to the caller.
func (d *Dialog) Ringing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalSent {
		return nil
	}
	res := sip.NewResponseFromRequest(d.req, 180, "Ringing", nil)
	d.addLocalTag(res)
	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("sending 180 ringing: %w", err)
	}
	return nil
}

// Answer sends 200 OK with the SDP answer. The caller confirms with ACK.
func (d *Dialog) Answer(sdp []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalSent {
		return fmt.Errorf("final response already sent on dialog %s", d.CallID)
	}
	res := sip.NewResponseFromRequest(d.req, 200, "OK", sdp)
	d.addLocalTag(res)
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", d.contact)))
	if len(sdp) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	d.finalSent = true
	d.answered = true
	return nil
}

// AnswerReinvite responds 200 OK on a re-INVITE transaction, reusing this
// dialog's To tag so the dialog identity is preserved.
func (d *Dialog) AnswerReinvite(req *sip.Request, tx sip.ServerTransaction, sdp []byte) error {
	res := sip.NewResponseFromRequest(req, 200, "OK", sdp)
	d.addLocalTag(res)
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", d.contact)))
	if len(sdp) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 ok to re-invite: %w", err)
	}
	return nil
}

// Reject sends a non-2xx final response to the caller.
func (d *Dialog) Reject(code int, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalSent {
		return nil
	}
	res := sip.NewResponseFromRequest(d.req, code, reason, nil)
	d.addLocalTag(res)
	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("sending %d %s: %w", code, reason, err)
	}
	d.finalSent = true
	return nil
}

// RequestTerminated sends 487 after the caller cancelled the INVITE.
func (d *Dialog) RequestTerminated() error {
	return d.Reject(487, "Request Terminated")
}

// MarkByeReceived records that the caller ended the dialog with its own
// BYE, so teardown does not send one back.
func (d *Dialog) MarkByeReceived() {
	d.mu.Lock()
	d.byeSent = true
	d.mu.Unlock()
}

// Bye sends an in-dialog BYE to the caller and waits for the final
// response. Safe to call once; later calls are no-ops.
func (d *Dialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	if !d.answered || d.byeSent {
		d.mu.Unlock()
		return nil
	}
	d.byeSent = true
	d.cseq++
	seq := d.cseq
	d.mu.Unlock()

	bye, err := d.buildInDialogRequest(sip.BYE, seq)
	if err != nil {
		return err
	}

	tx, err := d.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		d.logger.Warn("bye answered with non-200",
			"call_id", d.CallID,
			"status", res.StatusCode,
		)
	}
	return nil
}

// Refer performs a blind transfer per RFC 3515: an in-dialog REFER asking
// the caller to send a new INVITE to target. A 2xx on the REFER means the
// caller accepted the transfer; the dialog is then torn down normally.
func (d *Dialog) Refer(ctx context.Context, target string) error {
	d.mu.Lock()
	if !d.answered || d.byeSent {
		d.mu.Unlock()
		return fmt.Errorf("dialog %s is not active for refer", d.CallID)
	}
	d.cseq++
	seq := d.cseq
	d.mu.Unlock()

	ref, err := d.buildRefer(seq, target)
	if err != nil {
		return err
	}

	tx, err := d.client.TransactionRequest(ctx, ref, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending refer: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for refer response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("refer rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// buildRefer assembles the in-dialog REFER pointing the caller at target.
func (d *Dialog) buildRefer(seq uint32, target string) (*sip.Request, error) {
	ref, err := d.buildInDialogRequest(sip.REFER, seq)
	if err != nil {
		return nil, err
	}
	ref.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", target)))
	ref.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<%s>", d.contact)))
	return ref, nil
}

// buildInDialogRequest assembles an in-dialog request toward the caller.
// Per RFC 3261 §12.2.1.1 the Request-URI is the remote target (caller's
// Contact), From/To carry the dialog tags swapped relative to the INVITE,
// and the CSeq space is our own.
func (d *Dialog) buildInDialogRequest(method sip.RequestMethod, seq uint32) (*sip.Request, error) {
	var recipient *sip.Uri
	if d.remoteTarget != nil {
		recipient = d.remoteTarget
	} else if from := d.req.From(); from != nil {
		recipient = &from.Address
	} else {
		return nil, fmt.Errorf("dialog %s has no remote target for %s", d.CallID, method)
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = d.req.SipVersion

	// From: our identity (the INVITE's To) with our tag.
	if to := d.req.To(); to != nil {
		req.AppendHeader(sip.NewHeader("From",
			fmt.Sprintf("<%s>;tag=%s", to.Address.String(), d.localTag)))
	}
	// To: the caller's From, tag included.
	if from := d.req.From(); from != nil {
		req.AppendHeader(sip.NewHeader("To", from.Value()))
	}
	if cid := d.req.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", seq, method)))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", d.contact)))

	req.SetTransport(d.req.Transport())
	req.SetDestination(d.req.Source())

	return req, nil
}

// addLocalTag appends our To tag to a response if not already present.
func (d *Dialog) addLocalTag(res *sip.Response) {
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.localTag)
		}
	}
}
