package knowledge

import (
	"strings"
	"unicode/utf8"
)

// Chunk sizes are counted in runes so CJK text splits at sensible lengths.
const (
	DefaultTargetSize = 400
	DefaultMinSize    = 100
	DefaultMaxSize    = 600
)

// ChunkOptions configures chunking behavior.
type ChunkOptions struct {
	TargetSize int
	MinSize    int
	MaxSize    int
}

// DefaultChunkOptions returns the default chunk sizes.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		TargetSize: DefaultTargetSize,
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Chunk splits a document into indexable passages. Short text returns a single chunk.
func Chunk(text string, opts ChunkOptions) []string {
	if opts.TargetSize <= 0 {
		opts = DefaultChunkOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= opts.MaxSize {
		return []string{text}
	}

	var out []string
	var accum string
	flush := func() {
		t := strings.TrimSpace(accum)
		accum = ""
		if t == "" {
			return
		}
		if utf8.RuneCountInString(t) > opts.MaxSize {
			out = append(out, hardSplit(t, opts)...)
			return
		}
		out = append(out, t)
	}

	for _, b := range splitBlocks(text) {
		if accum == "" {
			accum = b
			continue
		}
		combined := accum + "\n\n" + b
		if utf8.RuneCountInString(combined) <= opts.TargetSize || utf8.RuneCountInString(accum) < opts.MinSize {
			accum = combined
			continue
		}
		flush()
		accum = b
	}
	flush()
	return out
}

// splitBlocks splits on markdown headings and blank lines.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string
	flush := func() {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") && len(current) > 0 {
			flush()
		}
		if trimmed == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// hardSplit breaks an oversized block on line boundaries, then on rune windows for
// lines that are themselves too long (common in CJK text without newlines).
func hardSplit(text string, opts ChunkOptions) []string {
	var out []string
	var current []string
	curLen := 0

	emit := func() {
		if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
			out = append(out, t)
		}
		current = nil
		curLen = 0
	}

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if n > opts.MaxSize {
			emit()
			runes := []rune(line)
			for start := 0; start < len(runes); start += opts.TargetSize {
				end := min(start+opts.TargetSize, len(runes))
				if t := strings.TrimSpace(string(runes[start:end])); t != "" {
					out = append(out, t)
				}
			}
			continue
		}
		if curLen+n > opts.TargetSize && len(current) > 0 {
			emit()
		}
		current = append(current, line)
		curLen += n + 1
	}
	emit()
	return out
}
