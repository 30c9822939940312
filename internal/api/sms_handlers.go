package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// maxSMSBodyLen caps outbound message bodies. SIP MESSAGE over UDP must stay
// well under the MTU.
const maxSMSBodyLen = 1024

// smsResponse is the JSON response for a single message.
type smsResponse struct {
	ID          int64   `json:"id"`
	Direction   string  `json:"direction"`
	FromURI     string  `json:"from_uri"`
	ToURI       string  `json:"to_uri"`
	Body        string  `json:"body"`
	Status      string  `json:"status"`
	TrunkID     *int64  `json:"trunk_id"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	DeliveredAt *string `json:"delivered_at"`
}

func toSMSResponse(m *models.SMSMessage) smsResponse {
	return smsResponse{
		ID:          m.ID,
		Direction:   m.Direction,
		FromURI:     m.FromURI,
		ToURI:       m.ToURI,
		Body:        m.Body,
		Status:      m.Status,
		TrunkID:     m.TrunkID,
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		DeliveredAt: formatTimePtr(m.DeliveredAt),
	}
}

// handleListSMS returns messages in both directions, newest first.
func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	msgs, err := s.repos.SMS.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("list sms: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]smsResponse, len(msgs))
	for i := range msgs {
		items[i] = toSMSResponse(&msgs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// sendSMSRequest is the JSON body for queueing an outbound message.
type sendSMSRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// handleSendSMS queues an outbound message for the delivery worker.
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	if s.sms == nil {
		writeError(w, http.StatusServiceUnavailable, "sms delivery not available")
		return
	}

	var req sendSMSRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	req.Body = strings.TrimSpace(req.Body)
	if req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "to and body are required")
		return
	}
	if len(req.Body) > maxSMSBodyLen {
		writeError(w, http.StatusBadRequest, "body exceeds maximum length")
		return
	}

	fromURI := req.From
	if fromURI == "" {
		fromURI = "sip:voicebridge@" + s.cfg.SIPRealm
	}
	toURI := req.To
	if !strings.HasPrefix(toURI, "sip:") && !strings.HasPrefix(toURI, "sips:") {
		toURI = "sip:" + toURI + "@" + s.cfg.SIPRealm
	}

	msg, err := s.sms.Enqueue(r.Context(), fromURI, toURI, req.Body)
	if err != nil {
		s.logger.Error("send sms: failed to enqueue", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("sms queued", "sms_id", msg.ID, "to", toURI)
	writeJSON(w, http.StatusAccepted, toSMSResponse(msg))
}
