package coursebuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/openai"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// fakeAI implements openai.Client for pipeline tests.
type fakeAI struct {
	structured bool
	jsonObj    map[string]any
	jsonErr    error
	truncated  bool
	text       string
	textErr    error
	embedVecs  [][]float32
	embedErr   error
	imageErr   error

	mu           sync.Mutex
	jsonCalls    int
	textCalls    int
	imageCalls   int
	imagePrompts []string
}

func (f *fakeAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	if f.embedVecs != nil {
		return f.embedVecs, nil
	}
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (openai.JSONResult, error) {
	f.jsonCalls++
	if f.jsonErr != nil {
		return openai.JSONResult{}, f.jsonErr
	}
	return openai.JSONResult{Object: f.jsonObj, Truncated: f.truncated}, nil
}

func (f *fakeAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.textCalls++
	if f.textErr != nil {
		return "", f.textErr
	}
	return f.text, nil
}

func (f *fakeAI) GenerateImage(ctx context.Context, prompt string) (openai.ImageGeneration, error) {
	f.mu.Lock()
	f.imageCalls++
	f.imagePrompts = append(f.imagePrompts, prompt)
	f.mu.Unlock()
	if f.imageErr != nil {
		return openai.ImageGeneration{}, f.imageErr
	}
	return openai.ImageGeneration{Bytes: []byte("png-bytes"), MimeType: "image/png"}, nil
}

func (f *fakeAI) StructuredOutputSupported() bool { return f.structured }

func validSpec() CourseSpec {
	return CourseSpec{
		Title:            "Forklift Operations Safety",
		Description:      "Safe operation of powered industrial trucks",
		Difficulty:       DifficultyBeginner,
		NumberOfTopics:   3,
		LessonsPerTopic:  2,
		QuestionsPerQuiz: 4,
	}
}

func lessonBody(words int) string {
	return strings.TrimSpace(strings.Repeat("safety ", words))
}

// modelCourseObject builds a model response matching spec exactly.
func modelCourseObject(spec CourseSpec) map[string]any {
	tags := make([]any, RequiredTagCount)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	topics := make([]any, 0, spec.NumberOfTopics)
	for ti := 0; ti < spec.NumberOfTopics; ti++ {
		lessons := make([]any, 0, spec.LessonsPerTopic)
		for li := 0; li < spec.LessonsPerTopic; li++ {
			lessons = append(lessons, map[string]any{
				"title":             fmt.Sprintf("Lesson %d.%d", ti+1, li+1),
				"content":           lessonBody(200),
				"image_description": "A worker inspecting a forklift in a warehouse.",
			})
		}
		questions := make([]any, 0, spec.QuestionsPerQuiz)
		mix := QuestionMixFor(spec.QuestionsPerQuiz)
		for kind, n := range mix {
			for i := 0; i < n; i++ {
				q := map[string]any{
					"type":                string(kind),
					"question":            fmt.Sprintf("Question %s %d?", kind, i),
					"explanation":         "Because the manual says so.",
					"options":             []any{},
					"correct_options":     []any{},
					"correct_answer_bool": false,
				}
				switch kind {
				case QuestionSingleChoice:
					q["options"] = []any{"A", "B", "C"}
					q["correct_options"] = []any{float64(1)}
				case QuestionMultipleChoice:
					q["options"] = []any{"A", "B", "C", "D"}
					q["correct_options"] = []any{float64(0), float64(2)}
				case QuestionTrueFalse:
					q["correct_answer_bool"] = true
				}
				questions = append(questions, q)
			}
		}
		topics = append(topics, map[string]any{
			"title":   fmt.Sprintf("Topic %d", ti+1),
			"summary": "What this topic covers.",
			"lessons": lessons,
			"quiz": map[string]any{
				"title":       fmt.Sprintf("Topic %d Quiz", ti+1),
				"description": "Check your understanding.",
				"questions":   questions,
			},
		})
	}
	return map[string]any{
		"title":               spec.Title,
		"description":         spec.Description,
		"overview":            "An overview of forklift safety.",
		"learning_objectives": []any{"Operate safely"},
		"target_audience":     []any{"Warehouse staff"},
		"requirements":        []any{"None"},
		"materials_included":  []any{"Checklist"},
		"tags":                tags,
		"topics":              topics,
	}
}

func TestQuestionMixFor(t *testing.T) {
	cases := []struct {
		total int
		want  map[QuestionKind]int
	}{
		{total: 10, want: map[QuestionKind]int{QuestionSingleChoice: 4, QuestionTrueFalse: 3, QuestionMultipleChoice: 2, QuestionOpenEnded: 1}},
		{total: 4, want: map[QuestionKind]int{QuestionSingleChoice: 2, QuestionTrueFalse: 1, QuestionMultipleChoice: 1}},
		{total: 1, want: map[QuestionKind]int{QuestionSingleChoice: 1}},
		{total: 0, want: map[QuestionKind]int{}},
	}
	for _, tc := range cases {
		got := QuestionMixFor(tc.total)
		sum := 0
		for _, n := range got {
			sum += n
		}
		if tc.total > 0 && sum != tc.total {
			t.Fatalf("mix for %d sums to %d: %v", tc.total, sum, got)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("mix for %d: got %v, want %v", tc.total, got, tc.want)
		}
		for kind, n := range tc.want {
			if got[kind] != n {
				t.Fatalf("mix for %d: %s=%d, want %d (full: %v)", tc.total, kind, got[kind], n, got)
			}
		}
	}
}

func TestSynthesizeStructured(t *testing.T) {
	spec := validSpec()
	ai := &fakeAI{structured: true, jsonObj: modelCourseObject(spec)}
	s := NewCourseSynthesizer(testLogger(t), ai)

	tree, stats, err := s.Synthesize(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if ai.jsonCalls != 1 || ai.textCalls != 0 {
		t.Fatalf("expected structured path, got jsonCalls=%d textCalls=%d", ai.jsonCalls, ai.textCalls)
	}
	if stats.Topics != spec.NumberOfTopics {
		t.Fatalf("topics = %d, want %d", stats.Topics, spec.NumberOfTopics)
	}
	if stats.Lessons != spec.NumberOfTopics*spec.LessonsPerTopic {
		t.Fatalf("lessons = %d, want %d", stats.Lessons, spec.NumberOfTopics*spec.LessonsPerTopic)
	}
	if stats.Questions != spec.NumberOfTopics*spec.QuestionsPerQuiz {
		t.Fatalf("questions = %d, want %d", stats.Questions, spec.NumberOfTopics*spec.QuestionsPerQuiz)
	}
	if len(stats.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", stats.Warnings)
	}
	if tree.Difficulty != spec.Difficulty {
		t.Fatalf("difficulty = %q, want %q", tree.Difficulty, spec.Difficulty)
	}
	for _, topic := range tree.Topics {
		if topic.Quiz == nil {
			t.Fatalf("topic %q lost its quiz", topic.Title)
		}
	}
}

func TestSynthesizeFallbackParsesEmbeddedJSON(t *testing.T) {
	spec := validSpec()
	obj := modelCourseObject(spec)
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ai := &fakeAI{
		structured: false,
		text:       "Here is your course:\n```json\n" + string(raw) + "\n```\nEnjoy!",
	}
	s := NewCourseSynthesizer(testLogger(t), ai)

	tree, _, err := s.Synthesize(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Synthesize fallback: %v", err)
	}
	if ai.textCalls != 1 || ai.jsonCalls != 0 {
		t.Fatalf("expected text path, got jsonCalls=%d textCalls=%d", ai.jsonCalls, ai.textCalls)
	}
	if len(tree.Topics) != spec.NumberOfTopics {
		t.Fatalf("topics = %d, want %d", len(tree.Topics), spec.NumberOfTopics)
	}
}

func TestSynthesizeWarnsOnShortfall(t *testing.T) {
	spec := validSpec()
	obj := modelCourseObject(spec)
	// Drop a topic and shrink the tag list.
	obj["topics"] = obj["topics"].([]any)[:spec.NumberOfTopics-1]
	obj["tags"] = obj["tags"].([]any)[:3]

	ai := &fakeAI{structured: true, jsonObj: obj, truncated: true}
	s := NewCourseSynthesizer(testLogger(t), ai)

	_, stats, err := s.Synthesize(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	wantSubstrings := []string{"truncated", "topics", "tags"}
	for _, want := range wantSubstrings {
		found := false
		for _, w := range stats.Warnings {
			if strings.Contains(w, want) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("no warning mentioning %q in %v", want, stats.Warnings)
		}
	}
}

func TestSynthesizeParseErrorIsFatal(t *testing.T) {
	ai := &fakeAI{structured: false, text: "I cannot produce a course right now."}
	s := NewCourseSynthesizer(testLogger(t), ai)

	_, _, err := s.Synthesize(context.Background(), validSpec(), nil)
	if err == nil {
		t.Fatalf("expected error for unparseable output")
	}
	if !strings.Contains(err.Error(), ErrSynthesisParseError.Error()) {
		t.Fatalf("error %v should wrap %v", err, ErrSynthesisParseError)
	}
}

func TestNormalizeQuestionsDropsInvalid(t *testing.T) {
	in := []modelQuestion{
		{Type: "single_choice", Question: "ok?", Options: []string{"a", "b"}, CorrectOptions: []int{0}},
		{Type: "single_choice", Question: "bad index?", Options: []string{"a", "b"}, CorrectOptions: []int{5}},
		{Type: "single_choice", Question: "two answers?", Options: []string{"a", "b"}, CorrectOptions: []int{0, 1}},
		{Type: "multiple_choice", Question: "ok multi?", Options: []string{"a", "b", "c"}, CorrectOptions: []int{0, 2}},
		{Type: "multiple_choice", Question: "one answer?", Options: []string{"a", "b"}, CorrectOptions: []int{1}},
		{Type: "true_false", Question: "tf?", CorrectAnswer: true},
		{Type: "open_ended", Question: "essay?"},
		{Type: "matching", Question: "unknown type?"},
		{Type: "true_false", Question: ""},
	}
	got := normalizeQuestions(in)
	if len(got) != 4 {
		t.Fatalf("kept %d questions, want 4: %+v", len(got), got)
	}
	if got[0].Kind != QuestionSingleChoice || got[0].CorrectIndex != 0 {
		t.Fatalf("unexpected first question: %+v", got[0])
	}
	if got[1].Kind != QuestionMultipleChoice || len(got[1].CorrectIndices) != 2 {
		t.Fatalf("unexpected multi question: %+v", got[1])
	}
	if got[2].Kind != QuestionTrueFalse || !got[2].CorrectBool || got[2].Options != nil {
		t.Fatalf("unexpected tf question: %+v", got[2])
	}
	if got[3].Kind != QuestionOpenEnded {
		t.Fatalf("unexpected open question: %+v", got[3])
	}
}

func TestExtractBalancedJSONObject(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`},
		{name: "prose around", in: `Sure! {"a":1} Hope that helps.`, want: `{"a":1}`},
		{name: "braces in strings", in: `{"a":"{not a close}","b":1}`, want: `{"a":"{not a close}","b":1}`},
		{name: "escaped quotes", in: `{"a":"say \"hi\" {"}`, want: `{"a":"say \"hi\" {"}`},
		{name: "no object", in: "nothing here", wantErr: true},
		{name: "unbalanced", in: `{"a":{"b":1}`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := ExtractBalancedJSONObject(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBuildSourceContextRespectsCap(t *testing.T) {
	chunks := []ContentChunk{
		{Text: strings.Repeat("a", 100), SourceFileName: "one.pdf", RelevanceScore: 0.9},
		{Text: strings.Repeat("b", 100), SourceFileName: "two.pdf", RelevanceScore: 0.8},
		{Text: strings.Repeat("c", 100), SourceFileName: "three.pdf", RelevanceScore: 0.7},
	}
	out := buildSourceContext(chunks, 280)
	if !strings.Contains(out, "one.pdf") || !strings.Contains(out, "two.pdf") {
		t.Fatalf("expected first two sources in context: %q", out)
	}
	if strings.Contains(out, "three.pdf") {
		t.Fatalf("third source should be dropped by the cap: %q", out)
	}
}
