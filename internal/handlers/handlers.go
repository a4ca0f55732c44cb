// Package handlers provides the built-in task handlers for the knowledge
// pipeline task types. Each handler validates its payload, does its stage of
// the pipeline, and returns a result map recorded on the task row.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"knowq-worker/internal/models"
	"knowq-worker/internal/worker"
)

const (
	defaultChunkSize     = 800
	defaultEmbeddingDims = 384
	defaultSummaryLines  = 3
)

func builtin() map[models.TaskType]worker.HandlerFunc {
	return map[models.TaskType]worker.HandlerFunc{
		models.TypeDocumentProcessing:  ProcessDocument,
		models.TypeEmbeddingGeneration: GenerateEmbeddings,
		models.TypeIndexBuild:          BuildIndex,
		models.TypeSummaryGeneration:   GenerateSummary,
	}
}

// RegisterAll wires every built-in handler into the registry.
func RegisterAll(reg *worker.Registry) error {
	for taskType, fn := range builtin() {
		if err := reg.Register(taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTypes wires built-in handlers for the given types only, letting an
// instance serve a subset of lanes.
func RegisterTypes(reg *worker.Registry, types []models.TaskType) error {
	available := builtin()
	for _, taskType := range types {
		fn, ok := available[taskType]
		if !ok {
			return fmt.Errorf("no built-in handler for task type %q", taskType)
		}
		if err := reg.Register(taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// ProcessDocument splits raw document content into fixed-size chunks for the
// downstream embedding stage.
func ProcessDocument(ctx context.Context, task *models.Task) (map[string]any, error) {
	content, err := payloadString(task.Payload, "content")
	if err != nil {
		return nil, err
	}
	documentID := payloadStringDefault(task.Payload, "document_id", task.ID)
	chunkSize := payloadInt(task.Payload, "chunk_size", defaultChunkSize)

	chunks := chunkText(content, chunkSize)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	worker.ReportProgress(ctx, 100)

	return map[string]any{
		"document_id": documentID,
		"chunk_count": len(chunks),
		"chunk_size":  chunkSize,
		"chunks":      chunks,
	}, nil
}

// GenerateEmbeddings produces a deterministic vector per chunk. The vectors
// are content hashes projected into the embedding dimension, a stand-in with
// the same shape as a real model call.
func GenerateEmbeddings(ctx context.Context, task *models.Task) (map[string]any, error) {
	chunks, err := payloadChunks(task.Payload)
	if err != nil {
		return nil, err
	}
	dims := payloadInt(task.Payload, "dimensions", defaultEmbeddingDims)

	vectors := make([][]float64, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors = append(vectors, embedChunk(chunk, dims))
		worker.ReportProgress(ctx, (i+1)*100/len(chunks))
	}

	return map[string]any{
		"vector_count": len(vectors),
		"dimensions":   dims,
		"vectors":      vectors,
	}, nil
}

// BuildIndex assembles an inverted term index over the supplied chunks.
func BuildIndex(ctx context.Context, task *models.Task) (map[string]any, error) {
	chunks, err := payloadChunks(task.Payload)
	if err != nil {
		return nil, err
	}
	indexName, err := payloadString(task.Payload, "index_name")
	if err != nil {
		return nil, err
	}

	terms := map[string][]int{}
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, term := range tokenize(chunk) {
			positions := terms[term]
			if len(positions) > 0 && positions[len(positions)-1] == i {
				continue
			}
			terms[term] = append(positions, i)
		}
	}

	return map[string]any{
		"index_name": indexName,
		"term_count": len(terms),
		"doc_count":  len(chunks),
		"built_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// GenerateSummary extracts the leading sentences of the content as a
// summary.
func GenerateSummary(ctx context.Context, task *models.Task) (map[string]any, error) {
	content, err := payloadString(task.Payload, "content")
	if err != nil {
		return nil, err
	}
	maxSentences := payloadInt(task.Payload, "max_sentences", defaultSummaryLines)

	sentences := splitSentences(content)
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := strings.Join(sentences, " ")
	return map[string]any{
		"summary":        summary,
		"sentence_count": len(sentences),
		"source_length":  len(content),
	}, nil
}

func payloadChunks(payload map[string]any) ([]string, error) {
	raw, ok := payload["chunks"]
	if !ok {
		return nil, fmt.Errorf("payload missing required field %q", "chunks")
	}
	switch v := raw.(type) {
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("payload field %q must not be empty", "chunks")
		}
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("payload field %q must not be empty", "chunks")
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("payload field %q must contain strings", "chunks")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload field %q must be a string list", "chunks")
	}
}

func chunkText(content string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	runes := []rune(content)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func embedChunk(chunk string, dims int) []float64 {
	if dims <= 0 {
		dims = defaultEmbeddingDims
	}
	digest := sha256.Sum256([]byte(chunk))
	vector := make([]float64, dims)
	for i := range vector {
		offset := (i * 4) % (len(digest) - 4)
		raw := binary.BigEndian.Uint32(digest[offset : offset+4])
		// Map into [-1, 1) so the output looks like a normalized embedding.
		vector[i] = float64(raw)/float64(1<<31) - 1
	}
	return vector
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
