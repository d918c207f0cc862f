// Package repository persists conversation rows, owner settings and lead captures.
package repository

import (
	"context"
	"errors"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
)

var (
	// ErrNotFound is returned when a required row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when an insert-once row already exists.
	ErrConflict = errors.New("repository: conflict")
)

// MessageWriter appends transcript rows.
type MessageWriter interface {
	AppendMessage(ctx context.Context, msg chat.PersistedMessage) error
}

// Store is the durable store consumed by the chat core and the owner-facing endpoints.
type Store interface {
	MessageWriter
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.PersistedMessage, error)

	// SessionAutoReply reports the explicit per-session flag; found is false when no row exists.
	SessionAutoReply(ctx context.Context, ownerID, sessionID string) (enabled bool, found bool, err error)
	SetSessionAutoReply(ctx context.Context, ownerID, sessionID string, enabled bool) error

	ChatSettings(ctx context.Context, ownerID string) (chat.Settings, bool, error)
	UpsertChatSettings(ctx context.Context, settings chat.Settings) error

	KnowledgeHandle(ctx context.Context, ownerID string) (string, bool, error)
	// InsertKnowledgeHandle stores the first mapping only and returns ErrConflict afterwards.
	InsertKnowledgeHandle(ctx context.Context, ownerID, handle string) error

	AppendLead(ctx context.Context, l lead.Lead) error
	AppendVisit(ctx context.Context, v lead.Visit) error
	AppendSurvey(ctx context.Context, sv lead.Survey) error
	SurveySettings(ctx context.Context, ownerID string) (lead.SurveySettings, bool, error)
	UpsertSurveySettings(ctx context.Context, settings lead.SurveySettings) error
	// SessionOwner resolves which owner a session belongs to: leads, then visits, then messages.
	SessionOwner(ctx context.Context, sessionID string) (string, bool, error)

	Close() error
}
