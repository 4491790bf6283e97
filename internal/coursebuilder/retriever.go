package coursebuilder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/openai"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/pinecone"
)

const (
	// Matches below this score add noise rather than grounding.
	minRelevanceScore = 0.25
	// Near-empty chunks waste context budget on the synthesizer.
	minChunkRunes = 40

	minTopK = 5
	maxTopK = 25
)

// KnowledgeRetriever embeds a query and runs nearest-neighbor search against
// the knowledge-base index, returning ranked content chunks.
type KnowledgeRetriever struct {
	log   *logger.Logger
	ai    openai.Client
	store pinecone.VectorStore
}

func NewKnowledgeRetriever(log *logger.Logger, ai openai.Client, store pinecone.VectorStore) *KnowledgeRetriever {
	return &KnowledgeRetriever{
		log:   log.With("service", "KnowledgeRetriever"),
		ai:    ai,
		store: store,
	}
}

// TopKForSpec scales K with requested course size, capped to bound upstream
// cost.
func TopKForSpec(spec CourseSpec) int {
	k := spec.NumberOfTopics * spec.LessonsPerTopic * 2
	if k < minTopK {
		k = minTopK
	}
	if k > maxTopK {
		k = maxTopK
	}
	return k
}

func (r *KnowledgeRetriever) Retrieve(ctx context.Context, query RetrievalQuery) ([]ContentChunk, error) {
	if r.ai == nil || r.store == nil {
		return nil, fmt.Errorf("%w: vector search not configured", ErrRetrievalUnavailable)
	}
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrRetrievalUnavailable)
	}
	topK := query.TopK
	if topK <= 0 {
		topK = minTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vecs, err := r.ai.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrRetrievalUnavailable, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrRetrievalUnavailable)
	}

	matches, err := r.store.QueryMatches(ctx, query.Namespace, vecs[0], topK, query.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: vector query: %v", ErrRetrievalUnavailable, err)
	}

	chunks := make([]ContentChunk, 0, len(matches))
	dropped := 0
	for _, m := range matches {
		chunk := chunkFromMatch(m)
		if chunk.RelevanceScore < minRelevanceScore || len([]rune(chunk.Text)) < minChunkRunes {
			dropped++
			continue
		}
		chunks = append(chunks, chunk)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].RelevanceScore > chunks[j].RelevanceScore
	})

	r.log.Info("Knowledge retrieval complete",
		"query_len", len(text),
		"top_k", topK,
		"matches", len(matches),
		"kept", len(chunks),
		"dropped", dropped,
	)
	return chunks, nil
}

func chunkFromMatch(m pinecone.QueryMatch) ContentChunk {
	chunk := ContentChunk{RelevanceScore: m.Score}
	if m.Metadata == nil {
		return chunk
	}
	chunk.Text = stringFromAny(m.Metadata["text"])
	chunk.SourceFileName = stringFromAny(m.Metadata["file_name"])
	chunk.SourceFileID = stringFromAny(m.Metadata["file_id"])
	chunk.MimeType = stringFromAny(m.Metadata["mime_type"])
	return chunk
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
