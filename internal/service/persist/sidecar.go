// Package persist records conversation rows without ever failing the turn.
package persist

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/sales-assistant/backend/internal/deferred"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/repository"
)

// TruncationMarker is appended to content cut at the length limit.
const TruncationMarker = "…[內容過長已截斷]"

// Sidecar writes transcript rows through a deferred scheduler.
type Sidecar struct {
	writer     repository.MessageWriter
	scheduler  deferred.Scheduler
	maxChars   int
	retryChars int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSidecar creates a sidecar. A nil writer turns every record into a no-op.
func NewSidecar(writer repository.MessageWriter, scheduler deferred.Scheduler, maxChars, retryChars int, logger *slog.Logger) *Sidecar {
	if logger == nil {
		logger = slog.Default()
	}
	if scheduler == nil {
		scheduler = deferred.NewInline(0, logger)
	}
	return &Sidecar{
		writer:     writer,
		scheduler:  scheduler,
		maxChars:   maxChars,
		retryChars: retryChars,
		logger:     logger.With("component", "persist"),
		now:        time.Now,
	}
}

// Mode reports the scheduler mode.
func (s *Sidecar) Mode() string {
	return s.scheduler.Mode()
}

// Enabled reports whether a store is attached.
func (s *Sidecar) Enabled() bool {
	return s != nil && s.writer != nil
}

// RecordUser schedules the user utterance and reports whether a write was attempted.
func (s *Sidecar) RecordUser(ctx context.Context, ownerID, sessionID, text string) bool {
	return s.record(ctx, chat.RoleUser, ownerID, sessionID, text)
}

// RecordAssistant schedules the assistant reply and reports whether a write was attempted.
func (s *Sidecar) RecordAssistant(ctx context.Context, ownerID, sessionID, text string) bool {
	return s.record(ctx, chat.RoleAssistant, ownerID, sessionID, text)
}

func (s *Sidecar) record(ctx context.Context, role chat.Role, ownerID, sessionID, text string) bool {
	if !s.Enabled() {
		return false
	}
	text = strings.TrimSpace(text)
	if ownerID == "" || sessionID == "" || text == "" {
		return false
	}

	msg := chat.PersistedMessage{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Role:      role,
		Content:   Truncate(text, s.maxChars),
		CreatedAt: s.now(),
	}
	s.scheduler.Schedule(ctx, "persist-"+string(role), func(ctx context.Context) {
		s.write(ctx, msg, text)
	})
	return true
}

func (s *Sidecar) write(ctx context.Context, msg chat.PersistedMessage, full string) {
	err := s.writer.AppendMessage(ctx, msg)
	if err == nil {
		return
	}
	s.logger.Warn("persist message failed, retrying shorter",
		"role", msg.Role, "session_id", msg.SessionID, "chars", utf8.RuneCountInString(msg.Content), "error", err)

	msg.Content = Truncate(full, s.retryChars)
	if err := s.writer.AppendMessage(ctx, msg); err != nil {
		s.logger.Error("persist message failed",
			"role", msg.Role, "session_id", msg.SessionID, "owner_id", msg.OwnerID, "error", err)
	}
}

// Truncate cuts text to at most limit runes including the marker.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return string(runes[:keep]) + TruncationMarker
}
