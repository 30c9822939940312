// Package sms queues outbound SIP MESSAGE traffic and delivers it through
// the trunk layer with bounded retries.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

const (
	pollInterval = 5 * time.Second
	sendTimeout  = 10 * time.Second
	batchSize    = 20

	// maxAttempts is the delivery ceiling; after that the message is
	// marked failed permanently.
	maxAttempts = 3
)

// Sender delivers one message through a trunk. The SIP layer's
// MessageHandler implements it.
type Sender interface {
	Send(ctx context.Context, client *sipgo.Client, trunk *models.Trunk, msg *models.SMSMessage) error
}

// TrunkSource picks trunks for delivery. The SIP layer's TrunkManager
// implements it.
type TrunkSource interface {
	Select() []models.Trunk
}

// Worker drains the pending outbound SMS queue on a poll loop.
type Worker struct {
	repo   database.SMSRepository
	sender Sender
	trunks TrunkSource
	client *sipgo.Client
	logger *slog.Logger
}

// NewWorker creates a delivery worker; nothing runs until Run.
func NewWorker(repo database.SMSRepository, sender Sender, trunks TrunkSource, client *sipgo.Client, logger *slog.Logger) *Worker {
	return &Worker{
		repo:   repo,
		sender: sender,
		trunks: trunks,
		client: client,
		logger: logger.With("component", "sms"),
	}
}

// Enqueue stores an outbound message in pending state; the poll loop picks
// it up. Used by the admin API.
func (w *Worker) Enqueue(ctx context.Context, fromURI, toURI, body string) (*models.SMSMessage, error) {
	if body == "" {
		return nil, fmt.Errorf("empty message body")
	}
	msg := &models.SMSMessage{
		Direction: "outbound",
		FromURI:   fromURI,
		ToURI:     toURI,
		Body:      body,
		Status:    models.SMSPending,
	}
	if err := w.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("queueing message: %w", err)
	}
	w.logger.Info("message queued", "id", msg.ID, "to", toURI)
	return msg, nil
}

// Run polls for pending messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.logger.Info("sms delivery worker started", "poll_interval", pollInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sms delivery worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain attempts delivery for one batch of pending messages.
func (w *Worker) drain(ctx context.Context) {
	pending, err := w.repo.ListPending(ctx, batchSize)
	if err != nil {
		w.logger.Error("failed to list pending messages", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	trunks := w.trunks.Select()
	if len(trunks) == 0 {
		w.logger.Warn("pending messages but no trunk available",
			"pending", len(pending),
		)
		return
	}

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		w.deliver(ctx, &pending[i], trunks)
	}
}

// deliver tries each eligible trunk in priority order, then records the
// outcome.
func (w *Worker) deliver(ctx context.Context, msg *models.SMSMessage, trunks []models.Trunk) {
	var lastErr error
	for i := range trunks {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		lastErr = w.sender.Send(sendCtx, w.client, &trunks[i], msg)
		cancel()
		if lastErr == nil {
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				w.logger.Error("failed to mark message sent",
					"id", msg.ID,
					"error", err,
				)
			}
			return
		}
		w.logger.Warn("message delivery attempt failed",
			"id", msg.ID,
			"trunk", trunks[i].Name,
			"error", lastErr,
		)
	}

	// All trunks failed this round. Attempts counts delivery rounds, not
	// per-trunk tries.
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	if msg.Attempts+1 >= maxAttempts {
		if err := w.repo.MarkFailed(ctx, msg.ID, errText); err != nil {
			w.logger.Error("failed to mark message failed",
				"id", msg.ID,
				"error", err,
			)
		}
		w.logger.Error("message delivery abandoned",
			"id", msg.ID,
			"attempts", msg.Attempts+1,
		)
		return
	}
	if err := w.repo.RecordAttempt(ctx, msg.ID, errText); err != nil {
		w.logger.Error("failed to record delivery attempt",
			"id", msg.ID,
			"error", err,
		)
	}
}
