// Package session resolves conversation identity and per-session owner state.
package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
)

// AutoReply 是单个会话的自动回复闸门状态。
type AutoReply int

const (
	AutoReplyUnknown AutoReply = iota
	AutoReplyEnabled
	AutoReplyDisabled
)

// Allows reports whether the model may answer. Unknown defaults to answering.
func (a AutoReply) Allows() bool {
	return a != AutoReplyDisabled
}

func (a AutoReply) String() string {
	switch a {
	case AutoReplyEnabled:
		return "enabled"
	case AutoReplyDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Store is the slice of the repository this service reads.
type Store interface {
	SessionAutoReply(ctx context.Context, ownerID, sessionID string) (bool, bool, error)
	ChatSettings(ctx context.Context, ownerID string) (chat.Settings, bool, error)
}

// Service reads session and owner state. A nil store behaves as an empty one.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a session service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "session")}
}

// Resolve returns id when usable, otherwise a fresh uuid flagged as synthesized.
func Resolve(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id != "" {
		return id, false
	}
	return uuid.NewString(), true
}

// AutoReply reads the gate fresh. Missing owner, missing row or store errors yield Unknown.
func (s *Service) AutoReply(ctx context.Context, ownerID, sessionID string) AutoReply {
	if s.store == nil || ownerID == "" || sessionID == "" {
		return AutoReplyUnknown
	}
	enabled, found, err := s.store.SessionAutoReply(ctx, ownerID, sessionID)
	if err != nil {
		s.logger.Warn("read auto-reply flag failed", "owner_id", ownerID, "session_id", sessionID, "error", err)
		return AutoReplyUnknown
	}
	if !found {
		return AutoReplyUnknown
	}
	if enabled {
		return AutoReplyEnabled
	}
	return AutoReplyDisabled
}

// SystemPromptExtension returns the owner's prompt addition, or "" on any failure.
func (s *Service) SystemPromptExtension(ctx context.Context, ownerID string) string {
	if s.store == nil || ownerID == "" {
		return ""
	}
	settings, found, err := s.store.ChatSettings(ctx, ownerID)
	if err != nil {
		s.logger.Warn("read chat settings failed", "owner_id", ownerID, "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return strings.TrimSpace(settings.SystemPrompt)
}
