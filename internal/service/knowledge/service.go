// Package knowledge binds each owner to a retrieval collection and serves searches over it.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zhouzirui/sales-assistant/backend/internal/repository"
)

// ErrUnavailable is returned when no index is configured.
var ErrUnavailable = errors.New("knowledge: index unavailable")

// HandleStore persists the owner -> collection mapping.
type HandleStore interface {
	KnowledgeHandle(ctx context.Context, ownerID string) (string, bool, error)
	InsertKnowledgeHandle(ctx context.Context, ownerID, handle string) error
}

// Service resolves knowledge handles and manages owner documents.
type Service struct {
	store  HandleStore
	index  Index
	topK   int
	logger *slog.Logger
}

// NewService creates a knowledge service. A nil index disables retrieval.
func NewService(store HandleStore, index Index, topK int, logger *slog.Logger) *Service {
	if topK <= 0 {
		topK = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		index:  index,
		topK:   topK,
		logger: logger.With("component", "knowledge"),
	}
}

// Enabled reports whether retrieval can run at all.
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil && s.index != nil
}

// Resolve returns the owner's handle, creating the collection and mapping on first use.
// Concurrent first calls may both create a collection; the persisted mapping wins and the
// other collection stays orphaned.
func (s *Service) Resolve(ctx context.Context, ownerID string) (string, error) {
	if !s.Enabled() {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("knowledge: owner is required")
	}

	handle, found, err := s.store.KnowledgeHandle(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("knowledge: read handle: %w", err)
	}
	if found {
		return handle, nil
	}

	created, err := s.index.CreateCollection(ctx, "kb-"+ownerID)
	if err != nil {
		return "", fmt.Errorf("knowledge: create collection: %w", err)
	}

	insertErr := s.store.InsertKnowledgeHandle(ctx, ownerID, created)
	if insertErr == nil {
		return created, nil
	}
	if !errors.Is(insertErr, repository.ErrConflict) {
		s.logger.Warn("insert knowledge handle failed, re-reading", "owner_id", ownerID, "error", insertErr)
	}

	persisted, found, err := s.store.KnowledgeHandle(ctx, ownerID)
	if err == nil && found {
		if persisted != created {
			s.logger.Debug("lost knowledge handle race", "owner_id", ownerID, "orphan", created)
		}
		return persisted, nil
	}
	if errors.Is(insertErr, repository.ErrConflict) {
		return "", fmt.Errorf("knowledge: mapping conflict without readable row: %w", insertErr)
	}
	return "", fmt.Errorf("knowledge: insert handle: %w", insertErr)
}

// Lookup returns the existing handle without creating one.
func (s *Service) Lookup(ctx context.Context, ownerID string) (string, bool, error) {
	if !s.Enabled() {
		return "", false, nil
	}
	return s.store.KnowledgeHandle(ctx, ownerID)
}

// Bind returns a retriever scoped to one handle.
func (s *Service) Bind(handle string) *Binding {
	return &Binding{index: s.index, handle: handle, topK: s.topK}
}

// AddDocument indexes a document into the owner's collection.
func (s *Service) AddDocument(ctx context.Context, ownerID, title, content string) (Document, error) {
	handle, err := s.Resolve(ctx, ownerID)
	if err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = firstLine(content)
	}
	return s.index.AddDocument(ctx, handle, title, content)
}

// ListDocuments lists the owner's documents; an unbound owner has none.
func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	handle, found, err := s.Lookup(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read handle: %w", err)
	}
	if !found {
		return []Document{}, nil
	}
	return s.index.ListDocuments(ctx, handle)
}

// DeleteDocument removes a document from the owner's collection.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	handle, found, err := s.Lookup(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("knowledge: read handle: %w", err)
	}
	if !found {
		return ErrDocumentNotFound
	}
	return s.index.DeleteDocument(ctx, handle, documentID)
}

func firstLine(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimLeft(strings.TrimSpace(line), "# ")
	if r := []rune(line); len(r) > 40 {
		line = string(r[:40])
	}
	return line
}

// Binding searches a single collection.
type Binding struct {
	index  Index
	handle string
	topK   int
}

// Handle returns the bound collection id.
func (b *Binding) Handle() string { return b.handle }

// Retrieve returns up to topK passages formatted for the model.
func (b *Binding) Retrieve(ctx context.Context, query string) ([]string, error) {
	passages, err := b.index.Search(ctx, b.handle, query, b.topK)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.Title != "" {
			out = append(out, "【"+p.Title+"】"+p.Text)
			continue
		}
		out = append(out, p.Text)
	}
	return out, nil
}
