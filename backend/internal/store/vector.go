package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"codegraph/backend/internal/model"
	"codegraph/backend/pkg/errors"
	"codegraph/backend/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIVectorStore implements VectorStore against an OpenAI-compatible
// embeddings endpoint. Embeddings are an enrichment, never a correctness
// requirement: an unconfigured or unreachable backend makes Ready fail so
// the coordinator can skip the store quietly.
type OpenAIVectorStore struct {
	client *openai.Client
	model  string
	logger *zap.Logger

	mu      sync.RWMutex
	vectors map[string][]float32 // entity id -> embedding
}

// NewOpenAIVectorStore creates a vector store. An empty baseURL leaves
// the store unconfigured.
func NewOpenAIVectorStore(baseURL, apiKey, embeddingModel string) *OpenAIVectorStore {
	s := &OpenAIVectorStore{
		model:   embeddingModel,
		logger:  logger.Get(),
		vectors: make(map[string][]float32),
	}
	if baseURL == "" {
		return s
	}
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	s.client = openai.NewClientWithConfig(config)
	return s
}

// Ready reports whether an embedding backend is configured
func (s *OpenAIVectorStore) Ready(ctx context.Context) error {
	if s.client == nil {
		return errors.NewDependencyUnavailable(string(NameVector), nil)
	}
	return nil
}

// UpsertEmbeddings embeds entity content in one bulk request and indexes
// the resulting vectors by entity id.
func (s *OpenAIVectorStore) UpsertEmbeddings(ctx context.Context, entities []model.Entity) error {
	if s.client == nil {
		return errors.NewDependencyUnavailable(string(NameVector), nil)
	}
	if len(entities) == 0 {
		return nil
	}

	inputs := make([]string, 0, len(entities))
	for i := range entities {
		inputs = append(inputs, embeddingText(&entities[i]))
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(s.model),
		Input: inputs,
	})
	if err != nil {
		return fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(entities) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(entities))
	}

	s.mu.Lock()
	for i := range entities {
		s.vectors[entities[i].ID] = resp.Data[i].Embedding
	}
	s.mu.Unlock()

	s.logger.Debug("Embeddings upserted", zap.Int("count", len(entities)))
	return nil
}

// Similar returns up to limit entity ids ranked by cosine similarity to
// the given entity's embedding.
func (s *OpenAIVectorStore) Similar(entityID string, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, ok := s.vectors[entityID]
	if !ok {
		return nil
	}
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for id, vec := range s.vectors {
		if id == entityID {
			continue
		}
		candidates = append(candidates, scored{id: id, score: cosine(query, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.id)
	}
	return out
}

// Close releases the in-process index
func (s *OpenAIVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = make(map[string][]float32)
	return nil
}

func embeddingText(entity *model.Entity) string {
	text := string(entity.Type) + " " + entity.Name
	if content, ok := entity.Payload["content"].(string); ok && content != "" {
		text += " " + content
	}
	return text
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
