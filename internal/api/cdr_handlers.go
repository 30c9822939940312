package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// cdrResponse is the JSON response for a single call detail record.
type cdrResponse struct {
	ID           int64   `json:"id"`
	CallID       string  `json:"call_id"`
	Direction    string  `json:"direction"`
	FromURI      string  `json:"from_uri"`
	ToURI        string  `json:"to_uri"`
	StartTime    string  `json:"start_time"`
	AnswerTime   *string `json:"answer_time"`
	EndTime      *string `json:"end_time"`
	DurationSecs *int    `json:"duration_secs"`
	EndReason    string  `json:"end_reason"`
	Codec        string  `json:"codec"`
	TrunkID      *int64  `json:"trunk_id"`
	PacketsIn    int64   `json:"packets_in"`
	PacketsOut   int64   `json:"packets_out"`
	LossCount    int64   `json:"loss_count"`
	MaxJitter    int64   `json:"max_jitter"`
	BytesToAI    int64   `json:"bytes_to_ai"`
	BytesFromAI  int64   `json:"bytes_from_ai"`
}

// toCDRResponse converts a models.CDR to the API response.
func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		ID:           c.ID,
		CallID:       c.CallID,
		Direction:    c.Direction,
		FromURI:      c.FromURI,
		ToURI:        c.ToURI,
		StartTime:    c.StartTime.Format(time.RFC3339),
		DurationSecs: c.DurationSecs,
		EndReason:    c.EndReason,
		Codec:        c.Codec,
		TrunkID:      c.TrunkID,
		PacketsIn:    c.PacketsIn,
		PacketsOut:   c.PacketsOut,
		LossCount:    c.LossCount,
		MaxJitter:    c.MaxJitter,
		BytesToAI:    c.BytesToAI,
		BytesFromAI:  c.BytesFromAI,
	}
	resp.AnswerTime = formatTimePtr(c.AnswerTime)
	resp.EndTime = formatTimePtr(c.EndTime)
	return resp
}

// handleListCDRs returns CDRs with pagination and optional filters.
// Query params: limit, offset, search, direction, start_date, end_date.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" && direction != "local" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\", \"outbound\", or \"local\"")
		return
	}

	filter := database.CDRListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Direction: direction,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	cdrs, total, err := s.repos.CDRs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns a single CDR by its SIP Call-ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	cdr, err := s.repos.CDRs.GetByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}

	writeJSON(w, http.StatusOK, toCDRResponse(cdr))
}
