package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/events"
)

// MessageHandler accepts incoming SIP MESSAGE requests and queues them as
// inbound SMS. Outbound delivery goes through Send, used by the SMS worker.
type MessageHandler struct {
	sms    database.SMSRepository
	trunks *TrunkManager
	auth   *Authenticator
	bus    *events.Bus
	logger *slog.Logger
}

// NewMessageHandler creates a MESSAGE handler.
func NewMessageHandler(
	sms database.SMSRepository,
	trunks *TrunkManager,
	auth *Authenticator,
	bus *events.Bus,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		sms:    sms,
		trunks: trunks,
		auth:   auth,
		bus:    bus,
		logger: logger.With("subsystem", "message"),
	}
}

// HandleMessage processes an incoming MESSAGE request. Messages from known
// trunks are accepted as-is; anyone else must authenticate as a local
// account. Accepted messages are stored and acknowledged with 202.
func (m *MessageHandler) HandleMessage(req *sip.Request, tx sip.ServerTransaction) {
	fromURI := ""
	if from := req.From(); from != nil {
		fromURI = from.Address.String()
	}
	toURI := ""
	if to := req.To(); to != nil {
		toURI = to.Address.String()
	}

	_, fromTrunk := m.trunks.MatchSource(sourceHost(req))
	if !fromTrunk {
		if user := m.auth.Authenticate(req, tx); user == nil {
			return
		}
	}

	body := req.Body()
	if len(body) == 0 {
		m.respond(req, tx, 400, "Bad Request")
		return
	}

	msg := &models.SMSMessage{
		Direction: "inbound",
		FromURI:   fromURI,
		ToURI:     toURI,
		Body:      string(body),
		Status:    models.SMSReceived,
	}
	if err := m.sms.Create(context.Background(), msg); err != nil {
		m.logger.Error("failed to store inbound message",
			"from", fromURI,
			"error", err,
		)
		m.respond(req, tx, 500, "Internal Server Error")
		return
	}

	m.logger.Info("message received",
		"from", fromURI,
		"to", toURI,
		"bytes", len(body),
	)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Kind: events.SMSReceived,
			Attrs: map[string]string{
				"from": fromURI,
				"to":   toURI,
			},
		})
	}

	m.respond(req, tx, 202, "Accepted")
}

func (m *MessageHandler) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Error("failed to send message response",
			"code", code,
			"error", err,
		)
	}
}

// Send delivers an outbound SMS as a SIP MESSAGE through the trunk,
// answering a digest challenge once. The destination user part is taken
// from msg.ToURI.
func (m *MessageHandler) Send(ctx context.Context, client *sipgo.Client, trunk *models.Trunk, msg *models.SMSMessage) error {
	toUser := userPart(msg.ToURI)
	if toUser == "" {
		return fmt.Errorf("message %d has no destination user in %q", msg.ID, msg.ToURI)
	}

	number := FormatNumber(trunk, toUser)
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, trunk.Host, trunk.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing message recipient: %w", err)
	}

	req := sip.NewRequest(sip.MESSAGE, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))
	req.SetBody([]byte(msg.Body))
	req.AppendHeader(sip.NewHeader("Content-Type", "text/plain"))

	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for message response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = m.resendWithAuth(ctx, client, req, res, trunk, recipientStr)
		if err != nil {
			return err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("trunk rejected message: %d %s", res.StatusCode, res.Reason)
	}

	m.logger.Info("message delivered",
		"trunk", trunk.Name,
		"to", recipientStr,
	)
	return nil
}

func (m *MessageHandler) resendWithAuth(ctx context.Context, client *sipgo.Client, req *sip.Request, challenge *sip.Response, trunk *models.Trunk, uri string) (*sip.Response, error) {
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
		return nil, fmt.Errorf("parsing message auth challenge: %w", err)
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
		return nil, fmt.Errorf("computing message digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated message: %w", err)
	}
	defer tx.Terminate()

	return getResponse(ctx, tx)
}

// userPart extracts the user from a SIP URI string, tolerating bare
// numbers and display-name forms.
func userPart(uri string) string {
	s := uri
	if i := strings.Index(s, "<"); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimPrefix(s, "sip:")
	s = strings.TrimPrefix(s, "sips:")
	if i := strings.Index(s, "@"); i >= 0 {
		return s[:i]
	}
	if i := strings.IndexAny(s, ";:"); i >= 0 {
		return s[:i]
	}
	return s
}
