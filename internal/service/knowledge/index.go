package knowledge

import (
	"context"
	"errors"
	"time"
)

// ErrDocumentNotFound is returned when a document id does not exist in the collection.
var ErrDocumentNotFound = errors.New("knowledge: document not found")

// Document 是知识库中的一篇文档。
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content,omitempty"`
	ChunkCount int       `json:"chunkCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Passage is one retrieved chunk.
type Passage struct {
	DocumentID string
	Title      string
	Text       string
}

// Index is the retrieval backend. Collections are opaque handles owned by one owner.
type Index interface {
	CreateCollection(ctx context.Context, name string) (string, error)
	AddDocument(ctx context.Context, handle, title, content string) (Document, error)
	ListDocuments(ctx context.Context, handle string) ([]Document, error)
	DeleteDocument(ctx context.Context, handle, documentID string) error
	Search(ctx context.Context, handle, query string, limit int) ([]Passage, error)
	Close() error
}
