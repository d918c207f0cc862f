package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Stream yields the assistant's text deltas across tool rounds.
type Stream struct {
	ctx       context.Context
	chain     compose.Runnable[map[string]any, *schema.Message]
	tools     *compose.ToolsNode
	retriever Retriever
	system    string
	history   []*schema.Message
	maxRounds int
	lastUser  string
	logger    *slog.Logger

	cur     *schema.StreamReader[*schema.Message]
	chunks  []*schema.Message
	peeked  *schema.Message
	peekEOF bool
	rounds  int
	done    bool

	contactCalls   []ContactCall
	retrievedChars int
}

// open 以系统提示和至今的消息（含工具轮次）启动一轮模型输出。
func (st *Stream) open() error {
	reader, err := st.chain.Stream(st.ctx, map[string]any{
		"system":  st.system,
		"history": st.history,
	})
	if err != nil {
		return fmt.Errorf("failed to stream chat model output: %w", err)
	}
	st.cur = reader
	st.chunks = st.chunks[:0]
	return nil
}

func (st *Stream) peek() error {
	chunk, err := st.cur.Recv()
	if errors.Is(err, io.EOF) {
		st.peekEOF = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read first chunk: %w", err)
	}
	st.peeked = chunk
	return nil
}

// Recv returns the next non-empty text delta, or io.EOF when the reply is complete.
func (st *Stream) Recv() (string, error) {
	for {
		if st.done {
			return "", io.EOF
		}

		var chunk *schema.Message
		var err error
		switch {
		case st.peeked != nil:
			chunk, st.peeked = st.peeked, nil
		case st.peekEOF:
			st.peekEOF = false
			err = io.EOF
		default:
			chunk, err = st.cur.Recv()
		}

		if errors.Is(err, io.EOF) {
			more, roundErr := st.finishRound()
			if roundErr != nil {
				st.done = true
				return "", roundErr
			}
			if !more {
				st.done = true
				return "", io.EOF
			}
			continue
		}
		if err != nil {
			st.done = true
			return "", err
		}
		if chunk == nil {
			continue
		}

		st.chunks = append(st.chunks, chunk)
		if chunk.Content != "" {
			return chunk.Content, nil
		}
	}
}

// finishRound handles tool calls of the round that just ended and reports whether
// another model round was started.
func (st *Stream) finishRound() (bool, error) {
	st.closeCurrent()
	if len(st.chunks) == 0 {
		return false, nil
	}
	merged, err := schema.ConcatMessages(st.chunks)
	if err != nil {
		return false, fmt.Errorf("failed to merge chunks: %w", err)
	}
	if len(merged.ToolCalls) == 0 {
		return false, nil
	}

	searched := false
	for _, tc := range merged.ToolCalls {
		switch tc.Function.Name {
		case ContactToolName:
			st.contactCalls = append(st.contactCalls, parseContactCall(tc))
		case SearchToolName:
			if st.tools != nil {
				searched = true
			}
		}
	}

	// Contact calls are rendered client-side and need no continuation.
	if !searched {
		return false, nil
	}
	if st.rounds >= st.maxRounds {
		st.logger.Warn("tool round limit reached", "rounds", st.rounds)
		return false, nil
	}
	st.rounds++

	call := schema.AssistantMessage(merged.Content, merged.ToolCalls)
	results, err := st.tools.Invoke(st.ctx, call)
	if err != nil {
		return false, fmt.Errorf("failed to run tools: %w", err)
	}
	st.history = append(st.history, call)
	st.history = append(st.history, results...)
	if err := st.open(); err != nil {
		return false, err
	}
	return true, nil
}

// searchKnowledge backs the searchKnowledge tool. Retrieval failures become text for
// the model rather than errors.
func (st *Stream) searchKnowledge(ctx context.Context, in searchInput) (string, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		query = st.lastUser
	}
	passages, err := st.retriever.Retrieve(ctx, query)
	if err != nil {
		st.logger.Warn("knowledge search failed", "query", query, "error", err)
		return "知識庫暫時無法查詢。", nil
	}
	if len(passages) == 0 {
		return "知識庫中沒有找到相關資料。", nil
	}

	var sb strings.Builder
	sb.WriteString("以下是知識庫檢索結果：")
	for i, p := range passages {
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, p)
		st.retrievedChars += utf8.RuneCountInString(p)
	}
	return sb.String(), nil
}

// ContactCalls returns the requestContactForm calls seen so far.
func (st *Stream) ContactCalls() []ContactCall {
	return st.contactCalls
}

// RetrievedChars is the total rune count of retrieved passages given to the model.
func (st *Stream) RetrievedChars() int {
	return st.retrievedChars
}

// Close releases the current provider stream.
func (st *Stream) Close() {
	st.closeCurrent()
	st.done = true
}

func (st *Stream) closeCurrent() {
	if st.cur != nil {
		st.cur.Close()
		st.cur = nil
	}
}
