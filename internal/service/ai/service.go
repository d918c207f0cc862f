// Package ai drives the sales conversation model through eino.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/sales-assistant/backend/internal/config"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
)

// Retriever answers searchKnowledge calls for one bound collection.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// Request is one model invocation.
type Request struct {
	// SystemExtension is the owner's free-form addition to the system prompt.
	SystemExtension string
	History         []chat.Message
	// Retriever enables searchKnowledge when non-nil.
	Retriever Retriever
}

// Service encapsulates the compiled chains and the prompt.
type Service struct {
	contactOnly   compose.Runnable[map[string]any, *schema.Message]
	withKnowledge compose.Runnable[map[string]any, *schema.Message]
	prompts       *PromptBuilder
	historyLimit  int
	maxRounds     int
	markers       []string
	logger        *slog.Logger
}

// NewService creates the models from config and binds each tool set once.
func NewService(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (*Service, error) {
	base, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	contactTools, err := toolInfos(false)
	if err != nil {
		return nil, fmt.Errorf("failed to describe tools: %w", err)
	}
	contactOnly, err := bindTools(base, contactTools)
	if err != nil {
		return nil, err
	}

	// BindTools mutates in place, so the knowledge variant needs its own instance.
	second := base
	if _, ok := base.(model.ToolCallingChatModel); !ok {
		if second, err = cfg.NewChatModel(ctx); err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
	}
	knowledgeTools, err := toolInfos(true)
	if err != nil {
		return nil, fmt.Errorf("failed to describe tools: %w", err)
	}
	withKnowledge, err := bindTools(second, knowledgeTools)
	if err != nil {
		return nil, err
	}

	return NewWithModels(ctx, contactOnly, withKnowledge, cfg, logger)
}

// NewWithModels compiles a chain around each already-bound model.
func NewWithModels(ctx context.Context, contactOnly, withKnowledge model.BaseChatModel, cfg config.AIConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if withKnowledge == nil {
		withKnowledge = contactOnly
	}
	markers := cfg.RegionMarkers
	if len(markers) == 0 {
		markers = config.DefaultRegionMarkers
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	maxRounds := cfg.ToolMaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	contactChain, err := compileChain(ctx, contactOnly)
	if err != nil {
		return nil, err
	}
	knowledgeChain, err := compileChain(ctx, withKnowledge)
	if err != nil {
		return nil, err
	}

	return &Service{
		contactOnly:   contactChain,
		withKnowledge: knowledgeChain,
		prompts:       NewPromptBuilder(cfg.SystemPrompt),
		historyLimit:  historyLimit,
		maxRounds:     maxRounds,
		markers:       markers,
		logger:        logger.With("component", "ai"),
	}, nil
}

// compileChain 将系统提示模板与模型组装为一条链，history 包含本轮之前的全部消息。
func compileChain(ctx context.Context, m model.BaseChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(m)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return runnable, nil
}

func bindTools(m model.BaseChatModel, tools []*schema.ToolInfo) (model.BaseChatModel, error) {
	if tc, ok := m.(model.ToolCallingChatModel); ok {
		bound, err := tc.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		return bound, nil
	}
	if cm, ok := m.(model.ChatModel); ok {
		if err := cm.BindTools(tools); err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		return cm, nil
	}
	return nil, errors.New("chat model does not support tool calling")
}

// Stream opens the provider stream and waits for the first chunk, so lazy provider
// failures surface here rather than mid-response.
func (s *Service) Stream(ctx context.Context, req Request) (*Stream, error) {
	chain := s.contactOnly
	if req.Retriever != nil {
		chain = s.withKnowledge
	}

	st := &Stream{
		ctx:       ctx,
		chain:     chain,
		retriever: req.Retriever,
		system:    s.prompts.Build(req.SystemExtension, req.Retriever != nil),
		history:   s.buildHistoryMessages(req.History),
		maxRounds: s.maxRounds,
		lastUser:  lastUserText(req.History),
		logger:    s.logger,
	}
	if req.Retriever != nil {
		tools, err := newToolsNode(ctx, st.searchKnowledge)
		if err != nil {
			return nil, fmt.Errorf("failed to build tools node: %w", err)
		}
		st.tools = tools
	}
	if err := st.open(); err != nil {
		return nil, err
	}
	if err := st.peek(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// SystemPrompt exposes the prompt a request would use.
func (s *Service) SystemPrompt(req Request) string {
	return s.prompts.Build(req.SystemExtension, req.Retriever != nil)
}

// IsRegionRejection reports whether err is the provider refusing the caller's region.
func (s *Service) IsRegionRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range s.markers {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > s.historyLimit {
		startIdx = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}

func lastUserText(messages []chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i].Text
		}
	}
	return ""
}
