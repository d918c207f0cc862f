// Package chat orchestrates one conversation turn from request body to reply stream.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/sales-assistant/backend/internal/analysis/leadtrigger"
	"github.com/zhouzirui/sales-assistant/backend/internal/config"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/knowledge"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/persist"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/session"
)

// Source 表示回复内容的来源。
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
	SourceGated    Source = "gated"
)

// Deps are the collaborators of a turn. Only Identity and Sessions are required;
// a nil AI yields CONFIG_ERROR, a nil Knowledge disables retrieval.
type Deps struct {
	AI        *ai.Service
	Identity  *identity.Resolver
	Sessions  *session.Service
	Knowledge *knowledge.Service
	Persist   *persist.Sidecar
	Detector  *leadtrigger.Detector

	FallbackText string
	GatedText    string
	Logger       *slog.Logger
}

// Service runs turns.
type Service struct {
	ai        *ai.Service
	identity  *identity.Resolver
	sessions  *session.Service
	knowledge *knowledge.Service
	persist   *persist.Sidecar
	detector  *leadtrigger.Detector

	fallbackText string
	gatedText    string
	logger       *slog.Logger
}

// NewService wires a turn orchestrator.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identityResolver := d.Identity
	if identityResolver == nil {
		identityResolver = identity.NewResolver(nil, "", 0, logger)
	}
	sessions := d.Sessions
	if sessions == nil {
		sessions = session.NewService(nil, logger)
	}
	fallback := strings.TrimSpace(d.FallbackText)
	if fallback == "" {
		fallback = config.DefaultFallbackText
	}
	return &Service{
		ai:           d.AI,
		identity:     identityResolver,
		sessions:     sessions,
		knowledge:    d.Knowledge,
		persist:      d.Persist,
		detector:     d.Detector,
		fallbackText: fallback,
		gatedText:    d.GatedText,
		logger:       logger.With("component", "chat"),
	}
}

// TurnInput is the transport-neutral input of a turn.
type TurnInput struct {
	Body          []byte
	Authorization string
	// SessionID is used when the body carries none; long-lived transports pin it here.
	SessionID string
}

// Diagnostics describe how the turn was resolved; transports surface them as headers.
type Diagnostics struct {
	SessionID        string
	Synthesized      bool
	OwnerSource      identity.Source
	AutoReply        session.AutoReply
	KnowledgeBound   bool
	PersistAttempted bool
	DeferredMode     string
}

// Reply is the outcome of Begin. Model replies carry a Pipe; gated and fallback
// replies carry their full Text.
type Reply struct {
	Diagnostics
	Source    Source
	MessageID string
	Text      string
	Pipe      *Pipe

	Trigger        *chat.ToolTrigger
	TriggerChanged bool
}

// Begin resolves the turn and opens the reply. Errors are *Error.
func (s *Service) Begin(ctx context.Context, in TurnInput) (*Reply, error) {
	req, err := ParseRequest(in.Body)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, newError(ErrorInvalidInput, "no message text found in request", nil)
	}

	if req.SessionID == "" {
		req.SessionID = in.SessionID
	}
	sessionID, synthesized := session.Resolve(req.SessionID)
	who := s.identity.Resolve(ctx, in.Authorization)
	turn := chat.Turn{SessionID: sessionID, Synthesized: synthesized, OwnerID: who.OwnerID, Messages: req.Messages}
	cfg, gate := s.loadConversation(ctx, turn)

	reply := &Reply{
		Diagnostics: Diagnostics{
			SessionID:      sessionID,
			Synthesized:    synthesized,
			OwnerSource:    who.Source,
			AutoReply:      gate,
			KnowledgeBound: cfg.KnowledgeHandle != "",
			DeferredMode:   s.deferredMode(),
		},
		MessageID: uuid.NewString(),
	}
	log := s.logger.With("session_id", sessionID, "owner_source", who.Source)

	// The user utterance is recorded even when gated so an operator can take over.
	reply.PersistAttempted = s.persist.RecordUser(ctx, turn.OwnerID, sessionID, turn.LastUserText())

	if !gate.Allows() {
		log.Info("auto-reply disabled, skipping model")
		reply.Source = SourceGated
		reply.Text = s.gatedText
		return reply, nil
	}

	if s.ai == nil {
		return nil, newError(ErrorConfig, "model provider is not configured", nil)
	}

	var retriever ai.Retriever
	if cfg.KnowledgeHandle != "" {
		retriever = s.knowledge.Bind(cfg.KnowledgeHandle)
	}
	stream, err := s.ai.Stream(ctx, ai.Request{
		SystemExtension: cfg.SystemPromptExtension,
		History:         req.Messages,
		Retriever:       retriever,
	})
	if err != nil {
		if s.ai.IsRegionRejection(err) {
			log.Warn("provider rejected region, using fallback reply", "error", err)
			return s.fallbackReply(ctx, reply, turn, req), nil
		}
		log.Error("model invocation failed", "error", err)
		return nil, newError(ErrorUpstream, "model invocation failed", err)
	}

	reply.Source = SourceModel
	reply.Pipe = &Pipe{
		ctx:       ctx,
		stream:    stream,
		persist:   s.persist,
		detector:  s.detector,
		logger:    log,
		ownerID:   turn.OwnerID,
		sessionID: sessionID,
		messageID: reply.MessageID,
		history:   req.UI,
		lastKey:   req.LastTriggerKey,
	}
	return reply, nil
}

// loadConversation reads the gate, the owner prompt and the knowledge handle concurrently.
func (s *Service) loadConversation(ctx context.Context, turn chat.Turn) (chat.ConversationConfig, session.AutoReply) {
	var cfg chat.ConversationConfig
	gate := session.AutoReplyUnknown
	if turn.OwnerID == "" {
		return cfg, gate
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		// A synthesized session cannot have a stored flag.
		if !turn.Synthesized {
			gate = s.sessions.AutoReply(ctx, turn.OwnerID, turn.SessionID)
		}
	}()
	go func() {
		defer wg.Done()
		cfg.SystemPromptExtension = s.sessions.SystemPromptExtension(ctx, turn.OwnerID)
	}()
	go func() {
		defer wg.Done()
		cfg.KnowledgeHandle = s.resolveKnowledge(ctx, turn.OwnerID)
	}()
	wg.Wait()

	cfg.AutoReplyEnabled = gate.Allows()
	return cfg, gate
}

func (s *Service) resolveKnowledge(ctx context.Context, ownerID string) string {
	if !s.knowledge.Enabled() {
		return ""
	}
	handle, err := s.knowledge.Resolve(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("knowledge handle unavailable, retrieval disabled", "owner_id", ownerID, "error", err)
		}
		return ""
	}
	return handle
}

func (s *Service) fallbackReply(ctx context.Context, reply *Reply, turn chat.Turn, req Request) *Reply {
	reply.Source = SourceFallback
	reply.Text = s.fallbackText
	if s.persist.RecordAssistant(ctx, turn.OwnerID, turn.SessionID, s.fallbackText) {
		reply.PersistAttempted = true
	}

	reply.Trigger = detect(s.detector, req.UI, replyUIMessage(reply.MessageID, s.fallbackText, nil))
	reply.TriggerChanged = reply.Trigger != nil && reply.Trigger.Key != req.LastTriggerKey
	return reply
}

func (s *Service) deferredMode() string {
	if !s.persist.Enabled() {
		return ""
	}
	return s.persist.Mode()
}

// Detect runs the trigger detector over caller-held messages.
func (s *Service) Detect(messages []chat.UIMessage, lastKey string) (*chat.ToolTrigger, bool) {
	if s.detector == nil {
		return nil, false
	}
	trigger := s.detector.Detect(messages)
	return trigger, trigger != nil && trigger.Key != lastKey
}
