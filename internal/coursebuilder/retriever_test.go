package coursebuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/pinecone"
)

type fakeVectorStore struct {
	matches []pinecone.QueryMatch
	err     error

	gotNamespace string
	gotTopK      int
}

func (f *fakeVectorStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.QueryMatch, error) {
	f.gotNamespace = namespace
	f.gotTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func matchWith(score float64, text string) pinecone.QueryMatch {
	return pinecone.QueryMatch{
		ID:    "m",
		Score: score,
		Metadata: map[string]any{
			"text":      text,
			"file_name": "handbook.pdf",
			"file_id":   "f-1",
			"mime_type": "application/pdf",
		},
	}
}

func TestRetrieveFiltersAndSorts(t *testing.T) {
	longText := strings.Repeat("hazard awareness ", 10)
	store := &fakeVectorStore{matches: []pinecone.QueryMatch{
		matchWith(0.40, longText),
		matchWith(0.90, longText),
		matchWith(0.10, longText),            // below score floor
		matchWith(0.80, "too short"),         // below length floor
		matchWith(0.60, longText),
	}}
	r := NewKnowledgeRetriever(testLogger(t), &fakeAI{}, store)

	chunks, err := r.Retrieve(context.Background(), RetrievalQuery{Text: "forklift", TopK: 10, Namespace: "client-a"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("kept %d chunks, want 3", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].RelevanceScore > chunks[i-1].RelevanceScore {
			t.Fatalf("chunks not sorted by score: %v then %v", chunks[i-1].RelevanceScore, chunks[i].RelevanceScore)
		}
	}
	if chunks[0].SourceFileName != "handbook.pdf" || chunks[0].MimeType != "application/pdf" {
		t.Fatalf("metadata lost: %+v", chunks[0])
	}
	if store.gotNamespace != "client-a" {
		t.Fatalf("namespace = %q", store.gotNamespace)
	}
}

func TestRetrieveClampsTopK(t *testing.T) {
	store := &fakeVectorStore{}
	r := NewKnowledgeRetriever(testLogger(t), &fakeAI{}, store)

	if _, err := r.Retrieve(context.Background(), RetrievalQuery{Text: "q", TopK: 500}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if store.gotTopK != maxTopK {
		t.Fatalf("topK = %d, want %d", store.gotTopK, maxTopK)
	}
	if _, err := r.Retrieve(context.Background(), RetrievalQuery{Text: "q"}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if store.gotTopK != minTopK {
		t.Fatalf("default topK = %d, want %d", store.gotTopK, minTopK)
	}
}

func TestTopKForSpec(t *testing.T) {
	cases := []struct {
		topics, lessons, want int
	}{
		{3, 2, 12},
		{3, 1, 6},
		{20, 5, maxTopK},
		{1, 1, minTopK},
	}
	for _, tc := range cases {
		spec := CourseSpec{NumberOfTopics: tc.topics, LessonsPerTopic: tc.lessons}
		if got := TopKForSpec(spec); got != tc.want {
			t.Fatalf("TopKForSpec(%d,%d) = %d, want %d", tc.topics, tc.lessons, got, tc.want)
		}
	}
}

func TestRetrieveUnavailableOnBackendErrors(t *testing.T) {
	r := NewKnowledgeRetriever(testLogger(t), &fakeAI{embedErr: fmt.Errorf("connection refused")}, &fakeVectorStore{})
	_, err := r.Retrieve(context.Background(), RetrievalQuery{Text: "q"})
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("embed failure should wrap ErrRetrievalUnavailable, got %v", err)
	}

	r = NewKnowledgeRetriever(testLogger(t), &fakeAI{}, &fakeVectorStore{err: fmt.Errorf("index down")})
	_, err = r.Retrieve(context.Background(), RetrievalQuery{Text: "q"})
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("query failure should wrap ErrRetrievalUnavailable, got %v", err)
	}

	r = NewKnowledgeRetriever(testLogger(t), nil, nil)
	_, err = r.Retrieve(context.Background(), RetrievalQuery{Text: "q"})
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("unconfigured retriever should wrap ErrRetrievalUnavailable, got %v", err)
	}
}
