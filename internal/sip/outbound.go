package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// Dialer places outbound call legs toward trunks. The server acts as a
// B2BUA: the caller's INVITE terminates here and a fresh INVITE goes to
// the provider.
type Dialer struct {
	client *sipgo.Client
	logger *slog.Logger
}

// NewDialer creates an outbound dialer over the shared SIP client.
func NewDialer(client *sipgo.Client, logger *slog.Logger) *Dialer {
	return &Dialer{
		client: client,
		logger: logger.With("subsystem", "dialer"),
	}
}

// OutboundLeg is an answered UAC dialog toward a trunk.
type OutboundLeg struct {
	CallID string

	client *sipgo.Client
	req    *sip.Request
	res    *sip.Response
	tx     sip.ClientTransaction
	logger *slog.Logger

	mu      sync.Mutex
	byeSent bool
	cseq    uint32
}

// Answer returns the trunk's 200 OK, whose body is the SDP answer.
func (l *OutboundLeg) Answer() *sip.Response { return l.res }

// DialResult reports a completed dial attempt that did not error out.
type DialResult struct {
	// Leg is set when the trunk answered.
	Leg *OutboundLeg
	// StatusCode/Reason describe the final failure when Leg is nil.
	StatusCode int
	Reason     string
}

// Invite sends an INVITE to the trunk and waits for the final response,
// answering digest challenges along the way. onProgress (optional) fires
// once for the first 180/183 so ringing can be relayed to the caller.
// Cancelling ctx aborts the attempt.
func (d *Dialer) Invite(
	ctx context.Context,
	trunk *models.Trunk,
	toNumber string,
	callID string,
	sdp []byte,
	onProgress func(statusCode int, body []byte),
) (*DialResult, error) {
	number := FormatNumber(trunk, toNumber)
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, trunk.Host, trunk.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing trunk uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))
	if len(sdp) > 0 {
		req.SetBody(sdp)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	// Share the Call-ID across both legs for CDR correlation.
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	d.logger.Debug("sending invite to trunk",
		"call_id", callID,
		"trunk", trunk.Name,
		"recipient", recipientStr,
	)

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to trunk: %w", err)
	}

	authed := false
	progressed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, fmt.Errorf("trunk transaction error: %w", txErr)
			}
			return nil, fmt.Errorf("trunk transaction ended without final response")
		case res = <-tx.Responses():
		}

		d.logger.Debug("trunk response",
			"call_id", callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !progressed && onProgress != nil {
				progressed = true
				onProgress(res.StatusCode, res.Body())
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authed {
				return &DialResult{StatusCode: res.StatusCode, Reason: res.Reason}, nil
			}
			authed = true
			authReq, err := d.answerChallenge(req, res, trunk, recipientStr)
			if err != nil {
				return nil, err
			}
			tx, err = d.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, fmt.Errorf("sending authenticated invite: %w", err)
			}
			req = authReq

		case res.StatusCode >= 200 && res.StatusCode < 300:
			return &DialResult{Leg: &OutboundLeg{
				CallID: callID,
				client: d.client,
				req:    req,
				res:    res,
				tx:     tx,
				logger: d.logger,
			}}, nil

		case res.StatusCode >= 300:
			tx.Terminate()
			return &DialResult{StatusCode: res.StatusCode, Reason: res.Reason}, nil
		}
	}
}

// InviteContact sends an INVITE to a registered local contact and waits
// for the final response. Local endpoints do not challenge the server, so
// there is no auth retry.
func (d *Dialer) InviteContact(
	ctx context.Context,
	contactURI string,
	transport string,
	callID string,
	sdp []byte,
	onProgress func(statusCode int, body []byte),
) (*DialResult, error) {
	uri := strings.Trim(contactURI, "<>")
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	if transport != "" {
		req.SetTransport(strings.ToUpper(transport))
	}
	if len(sdp) > 0 {
		req.SetBody(sdp)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	d.logger.Debug("sending invite to local contact",
		"call_id", callID,
		"contact", uri,
	)

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to contact: %w", err)
	}

	progressed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, fmt.Errorf("contact transaction error: %w", txErr)
			}
			return nil, fmt.Errorf("contact transaction ended without final response")
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode < 180:
			continue
		case res.StatusCode < 200:
			if !progressed && onProgress != nil {
				progressed = true
				onProgress(res.StatusCode, res.Body())
			}
		case res.StatusCode < 300:
			return &DialResult{Leg: &OutboundLeg{
				CallID: callID,
				client: d.client,
				req:    req,
				res:    res,
				tx:     tx,
				logger: d.logger,
			}}, nil
		default:
			tx.Terminate()
			return &DialResult{StatusCode: res.StatusCode, Reason: res.Reason}, nil
		}
	}
}

// answerChallenge builds the authenticated retry for a 401/407.
func (d *Dialer) answerChallenge(req *sip.Request, challenge *sip.Response, trunk *models.Trunk, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("trunk sent %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing trunk auth challenge: %w", err)
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
		return nil, fmt.Errorf("computing trunk digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// Ack confirms the trunk's 200 OK. Per RFC 3261 §13.2.2.4 the ACK for a
// 2xx is generated by the UAC core and written directly via the transport.
func (l *OutboundLeg) Ack() error {
	ack := buildACKFor2xx(l.req, l.res)
	if err := l.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending ack to trunk: %w", err)
	}
	return nil
}

// MarkByeReceived records that the far end ended the leg with its own BYE,
// so teardown does not send one back.
func (l *OutboundLeg) MarkByeReceived() {
	l.mu.Lock()
	l.byeSent = true
	l.mu.Unlock()
}

// Bye ends the leg with an in-dialog BYE. Safe to call once; later calls
// are no-ops.
func (l *OutboundLeg) Bye(ctx context.Context) error {
	l.mu.Lock()
	if l.byeSent {
		l.mu.Unlock()
		return nil
	}
	l.byeSent = true
	seq := l.nextCSeqLocked()
	l.mu.Unlock()

	// Request-URI from the trunk's Contact if present.
	recipient := &l.req.Recipient
	if contact := l.res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = l.req.SipVersion

	if from := l.req.From(); from != nil {
		bye.AppendHeader(sip.HeaderClone(from))
	}
	// To from the response carries the trunk's tag.
	if to := l.res.To(); to != nil {
		bye.AppendHeader(sip.HeaderClone(to))
	}
	if cid := l.req.CallID(); cid != nil {
		bye.AppendHeader(sip.HeaderClone(cid))
	}
	bye.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d BYE", seq)))
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.SetTransport(l.req.Transport())

	tx, err := l.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye to trunk: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		l.logger.Warn("trunk answered bye with non-200",
			"call_id", l.CallID,
			"status", res.StatusCode,
		)
	}
	return nil
}

// Refer performs a blind transfer on the leg per RFC 3515: an in-dialog
// REFER pointing the far end at target. A 2xx means the transfer was
// accepted; the leg is then torn down normally.
func (l *OutboundLeg) Refer(ctx context.Context, target string) error {
	l.mu.Lock()
	if l.byeSent {
		l.mu.Unlock()
		return fmt.Errorf("leg %s already ended", l.CallID)
	}
	seq := l.nextCSeqLocked()
	l.mu.Unlock()

	ref := l.buildRefer(seq, target)

	tx, err := l.client.TransactionRequest(ctx, ref, sipgo.ClientRequestAddVia)
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

// buildRefer assembles the in-dialog REFER toward the far end, using the
// dialog identity established by the INVITE and its 2xx.
func (l *OutboundLeg) buildRefer(seq uint32, target string) *sip.Request {
	recipient := &l.req.Recipient
	if contact := l.res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ref := sip.NewRequest(sip.REFER, *recipient.Clone())
	ref.SipVersion = l.req.SipVersion

	if from := l.req.From(); from != nil {
		ref.AppendHeader(sip.HeaderClone(from))
	}
	// To from the response carries the far end's tag.
	if to := l.res.To(); to != nil {
		ref.AppendHeader(sip.HeaderClone(to))
	}
	if cid := l.req.CallID(); cid != nil {
		ref.AppendHeader(sip.HeaderClone(cid))
	}
	ref.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d REFER", seq)))
	maxFwd := sip.MaxForwardsHeader(70)
	ref.AppendHeader(&maxFwd)
	if contact := l.req.Contact(); contact != nil {
		ref.AppendHeader(sip.HeaderClone(contact))
		ref.AppendHeader(sip.NewHeader("Referred-By",
			fmt.Sprintf("<%s>", contact.Address.String())))
	}
	ref.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<%s>", target)))
	ref.SetTransport(l.req.Transport())

	return ref
}

// nextCSeqLocked advances the leg's CSeq space, seeding it from the INVITE
// on first use. Caller holds mu.
func (l *OutboundLeg) nextCSeqLocked() uint32 {
	if l.cseq == 0 {
		l.cseq = cseqOf(l.req)
	}
	l.cseq++
	return l.cseq
}

// Terminate abandons the leg without a BYE (used when the leg never
// completed or the caller cancelled).
func (l *OutboundLeg) Terminate() {
	l.tx.Terminate()
}

func cseqOf(req *sip.Request) uint32 {
	if cseq := req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 1
}

// buildACKFor2xx creates an ACK for a 2xx response to an INVITE. The
// Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as the INVITE.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To: from the response (includes the remote tag).
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// MapTrunkFailure maps a trunk's SIP failure code to the response relayed
// to the caller.
func MapTrunkFailure(statusCode int) (int, string) {
	switch {
	case statusCode == 403:
		return 403, "Forbidden"
	case statusCode == 404:
		return 404, "Not Found"
	case statusCode == 480:
		return 480, "Temporarily Unavailable"
	case statusCode == 486 || statusCode == 600:
		return 486, "Busy Here"
	case statusCode == 487:
		return 487, "Request Terminated"
	case statusCode == 488:
		return 488, "Not Acceptable Here"
	case statusCode == 503:
		return 503, "Service Unavailable"
	case statusCode >= 400 && statusCode < 500:
		return 503, "Service Unavailable"
	case statusCode >= 500:
		return 502, "Bad Gateway"
	default:
		return 503, "Service Unavailable"
	}
}
