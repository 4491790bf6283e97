package coursebuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/openai"
)

// Context assembled from retrieved chunks is capped so the prompt leaves
// headroom for the model's own output budget.
const maxContextChars = 24000

const (
	minLessonWords = 150
	maxLessonWords = 400
)

// Question-type mix per quiz, in percent. Allocation uses largest remainder
// so the counts always sum to the requested total.
var questionMix = []struct {
	kind  QuestionKind
	share int
}{
	{QuestionSingleChoice, 40},
	{QuestionTrueFalse, 25},
	{QuestionMultipleChoice, 20},
	{QuestionOpenEnded, 15},
}

// CourseSynthesizer turns a course spec plus retrieved knowledge into a
// validated course tree via a schema-constrained model call.
type CourseSynthesizer struct {
	log *logger.Logger
	ai  openai.Client
}

func NewCourseSynthesizer(log *logger.Logger, ai openai.Client) *CourseSynthesizer {
	return &CourseSynthesizer{
		log: log.With("service", "CourseSynthesizer"),
		ai:  ai,
	}
}

// QuestionMixFor splits total across the four question types by the fixed
// percentage mix. Every type with a nonzero share gets at least the floor of
// its share; leftovers go to the largest remainders in mix order.
func QuestionMixFor(total int) map[QuestionKind]int {
	out := make(map[QuestionKind]int, len(questionMix))
	if total <= 0 {
		return out
	}
	type alloc struct {
		kind QuestionKind
		base int
		rem  int
	}
	allocs := make([]alloc, 0, len(questionMix))
	assigned := 0
	for _, m := range questionMix {
		raw := total * m.share
		base := raw / 100
		allocs = append(allocs, alloc{kind: m.kind, base: base, rem: raw % 100})
		assigned += base
	}
	for leftover := total - assigned; leftover > 0; leftover-- {
		best := -1
		for i := range allocs {
			if best < 0 || allocs[i].rem > allocs[best].rem {
				best = i
			}
		}
		allocs[best].base++
		allocs[best].rem = -1
	}
	for _, a := range allocs {
		if a.base > 0 {
			out[a.kind] = a.base
		}
	}
	return out
}

func (s *CourseSynthesizer) Synthesize(ctx context.Context, spec CourseSpec, chunks []ContentChunk) (*CourseTree, SynthesisStats, error) {
	var stats SynthesisStats
	if s.ai == nil {
		return nil, stats, fmt.Errorf("%w: completion backend not configured", ErrSynthesisUnavailable)
	}

	system := s.systemPrompt()
	user := s.userPrompt(spec, chunks)

	var (
		obj       map[string]any
		truncated bool
	)
	if s.ai.StructuredOutputSupported() {
		res, err := s.ai.GenerateJSON(ctx, system, user, "course_tree", courseTreeSchema(spec))
		if err != nil {
			return nil, stats, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
		}
		obj = res.Object
		truncated = res.Truncated
	} else {
		text, err := s.ai.GenerateText(ctx, system, user)
		if err != nil {
			return nil, stats, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
		}
		extracted, err := ExtractBalancedJSONObject(text)
		if err != nil {
			return nil, stats, fmt.Errorf("%w: %v", ErrSynthesisParseError, err)
		}
		if err := json.Unmarshal([]byte(extracted), &obj); err != nil {
			return nil, stats, fmt.Errorf("%w: decode extracted object: %v", ErrSynthesisParseError, err)
		}
	}

	tree, err := treeFromModelObject(obj, spec)
	if err != nil {
		return nil, stats, fmt.Errorf("%w: %v", ErrSynthesisParseError, err)
	}

	stats = tree.Stats()
	stats.Warnings = s.collectWarnings(spec, tree, truncated)
	for _, w := range stats.Warnings {
		s.log.Warn("Synthesis warning", "warning", w)
	}
	s.log.Info("Course synthesis complete",
		"topics", stats.Topics,
		"lessons", stats.Lessons,
		"quizzes", stats.Quizzes,
		"questions", stats.Questions,
		"truncated", truncated,
	)
	return tree, stats, nil
}

// -------------------- prompting --------------------

func (s *CourseSynthesizer) systemPrompt() string {
	return strings.TrimSpace(`
ROLE: You are an expert instructional designer producing workplace safety training courses.
TASK: Build a complete course as a single JSON object matching the requested structure exactly.
OUTPUT: JSON only. No markdown fences, no commentary before or after the object.
RULES:
- Ground lesson content in the provided source material whenever it is relevant; never invent regulations or statistics.
- Every lesson body is plain instructional prose with short paragraphs; no headings, no bullet lists inside content.
- Quiz questions test the content of the lessons in the same topic.
- For single_choice questions exactly one option index is correct; for multiple_choice at least two are correct.
- Option texts within one question must be distinct and non-empty.
- image_description is a concrete visual scene for an illustrator, one or two sentences, no text overlays.
`)
}

func (s *CourseSynthesizer) userPrompt(spec CourseSpec, chunks []ContentChunk) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Create a %s-level course titled %q.\n", spec.Difficulty, spec.Title)
	if d := strings.TrimSpace(spec.Description); d != "" {
		fmt.Fprintf(&b, "Course brief: %s\n", d)
	}
	fmt.Fprintf(&b, "\nStructure requirements:\n")
	fmt.Fprintf(&b, "- Exactly %d topics.\n", spec.NumberOfTopics)
	fmt.Fprintf(&b, "- Exactly %d lessons per topic, each %d-%d words.\n", spec.LessonsPerTopic, minLessonWords, maxLessonWords)
	fmt.Fprintf(&b, "- One quiz per topic with exactly %d questions.\n", spec.QuestionsPerQuiz)
	fmt.Fprintf(&b, "- Exactly %d tags for the whole course.\n", RequiredTagCount)

	mix := QuestionMixFor(spec.QuestionsPerQuiz)
	fmt.Fprintf(&b, "- Question types per quiz:")
	for _, m := range questionMix {
		if n := mix[m.kind]; n > 0 {
			fmt.Fprintf(&b, " %d %s,", n, m.kind)
		}
	}
	b.WriteString(" in any order.\n")

	if src := buildSourceContext(chunks, maxContextChars); src != "" {
		b.WriteString("\nSOURCE MATERIAL (retrieved from the company knowledge base, ranked by relevance):\n")
		b.WriteString(src)
	} else {
		b.WriteString("\nNo source material was retrieved. Build the course from established industry practice for this subject.\n")
	}
	return b.String()
}

func buildSourceContext(chunks []ContentChunk, maxChars int) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	for i, ch := range chunks {
		section := fmt.Sprintf("--- Source %d (%s) ---\n%s\n", i+1, sourceLabel(ch), strings.TrimSpace(ch.Text))
		if b.Len()+len(section) > maxChars {
			break
		}
		b.WriteString(section)
	}
	return b.String()
}

func sourceLabel(ch ContentChunk) string {
	if n := strings.TrimSpace(ch.SourceFileName); n != "" {
		return n
	}
	if id := strings.TrimSpace(ch.SourceFileID); id != "" {
		return id
	}
	return "unattributed"
}

// -------------------- model wire schema --------------------

// Wire shapes for the model's JSON. Questions are flattened: all fields are
// present for every type so the schema stays valid under strict mode, and the
// parser reads only the fields meaningful for the declared type.
type modelCourse struct {
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Overview           string       `json:"overview"`
	LearningObjectives []string     `json:"learning_objectives"`
	TargetAudience     []string     `json:"target_audience"`
	Requirements       []string     `json:"requirements"`
	MaterialsIncluded  []string     `json:"materials_included"`
	Tags               []string     `json:"tags"`
	Topics             []modelTopic `json:"topics"`
}

type modelTopic struct {
	Title   string        `json:"title"`
	Summary string        `json:"summary"`
	Lessons []modelLesson `json:"lessons"`
	Quiz    modelQuiz     `json:"quiz"`
}

type modelLesson struct {
	Title            string `json:"title"`
	Content          string `json:"content"`
	ImageDescription string `json:"image_description"`
}

type modelQuiz struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Questions   []modelQuestion `json:"questions"`
}

type modelQuestion struct {
	Type           string   `json:"type"`
	Question       string   `json:"question"`
	Explanation    string   `json:"explanation"`
	Options        []string `json:"options"`
	CorrectOptions []int    `json:"correct_options"`
	CorrectAnswer  bool     `json:"correct_answer_bool"`
}

func courseTreeSchema(spec CourseSpec) map[string]any {
	stringArray := func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}

	questionSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"type", "question", "explanation", "options", "correct_options", "correct_answer_bool"},
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{string(QuestionSingleChoice), string(QuestionTrueFalse), string(QuestionMultipleChoice), string(QuestionOpenEnded)},
			},
			"question":    map[string]any{"type": "string"},
			"explanation": map[string]any{"type": "string", "description": "Why the correct answer is correct. Empty string for open_ended."},
			"options":     stringArray("Answer options. 3-5 for choice questions; empty array for true_false and open_ended."),
			"correct_options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "integer"},
				"description": "Zero-based indices into options. One entry for single_choice, two or more for multiple_choice, empty otherwise.",
			},
			"correct_answer_bool": map[string]any{"type": "boolean", "description": "Only meaningful for true_false."},
		},
	}

	lessonSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"title", "content", "image_description"},
		"properties": map[string]any{
			"title":             map[string]any{"type": "string"},
			"content":           map[string]any{"type": "string", "description": fmt.Sprintf("%d-%d words of instructional prose.", minLessonWords, maxLessonWords)},
			"image_description": map[string]any{"type": "string"},
		},
	}

	quizSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"title", "description", "questions"},
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"questions":   map[string]any{"type": "array", "items": questionSchema},
		},
	}

	topicSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"title", "summary", "lessons", "quiz"},
		"properties": map[string]any{
			"title":   map[string]any{"type": "string"},
			"summary": map[string]any{"type": "string"},
			"lessons": map[string]any{"type": "array", "items": lessonSchema},
			"quiz":    quizSchema,
		},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"title", "description", "overview", "learning_objectives", "target_audience", "requirements", "materials_included", "tags", "topics"},
		"properties": map[string]any{
			"title":               map[string]any{"type": "string"},
			"description":         map[string]any{"type": "string"},
			"overview":            map[string]any{"type": "string"},
			"learning_objectives": stringArray("What learners will be able to do after the course."),
			"target_audience":     stringArray("Who the course is for."),
			"requirements":        stringArray("Prerequisites."),
			"materials_included":  stringArray("What the course ships with."),
			"tags":                stringArray(fmt.Sprintf("Exactly %d short tags.", RequiredTagCount)),
			"topics":              map[string]any{"type": "array", "items": topicSchema, "description": fmt.Sprintf("Exactly %d topics.", spec.NumberOfTopics)},
		},
	}
}

// -------------------- parsing / normalization --------------------

func treeFromModelObject(obj map[string]any, spec CourseSpec) (*CourseTree, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encode model object: %w", err)
	}
	var mc modelCourse
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("decode course object: %w", err)
	}
	if strings.TrimSpace(mc.Title) == "" {
		mc.Title = spec.Title
	}
	if len(mc.Topics) == 0 {
		return nil, fmt.Errorf("model returned no topics")
	}

	tree := &CourseTree{
		Title:              strings.TrimSpace(mc.Title),
		Description:        strings.TrimSpace(mc.Description),
		Difficulty:         spec.Difficulty,
		Overview:           strings.TrimSpace(mc.Overview),
		LearningObjectives: cleanStrings(mc.LearningObjectives),
		TargetAudience:     cleanStrings(mc.TargetAudience),
		Requirements:       cleanStrings(mc.Requirements),
		MaterialsIncluded:  cleanStrings(mc.MaterialsIncluded),
		Tags:               cleanStrings(mc.Tags),
	}

	for ti, mt := range mc.Topics {
		topic := Topic{
			Title:   strings.TrimSpace(mt.Title),
			Summary: strings.TrimSpace(mt.Summary),
			Order:   ti,
		}
		if topic.Title == "" {
			topic.Title = fmt.Sprintf("Topic %d", ti+1)
		}
		for _, ml := range mt.Lessons {
			lesson := Lesson{
				Title:            strings.TrimSpace(ml.Title),
				Content:          strings.TrimSpace(ml.Content),
				ImageDescription: strings.TrimSpace(ml.ImageDescription),
			}
			if lesson.Title == "" || lesson.Content == "" {
				continue
			}
			topic.Lessons = append(topic.Lessons, lesson)
		}

		if questions := normalizeQuestions(mt.Quiz.Questions); len(questions) > 0 {
			quiz := &Quiz{
				Title:       strings.TrimSpace(mt.Quiz.Title),
				Description: strings.TrimSpace(mt.Quiz.Description),
				Questions:   questions,
			}
			if quiz.Title == "" {
				quiz.Title = topic.Title + " Quiz"
			}
			topic.Quiz = quiz
		}
		tree.Topics = append(tree.Topics, topic)
	}
	if len(tree.Topics) == 0 {
		return nil, fmt.Errorf("all topics were empty after normalization")
	}
	return tree, nil
}

// normalizeQuestions drops questions that are unusable for their declared
// type rather than failing the whole synthesis.
func normalizeQuestions(in []modelQuestion) []Question {
	out := make([]Question, 0, len(in))
	for _, mq := range in {
		text := strings.TrimSpace(mq.Question)
		if text == "" {
			continue
		}
		q := Question{
			Text:        text,
			Explanation: strings.TrimSpace(mq.Explanation),
			Options:     cleanStrings(mq.Options),
		}
		switch QuestionKind(strings.ToLower(strings.TrimSpace(mq.Type))) {
		case QuestionSingleChoice:
			q.Kind = QuestionSingleChoice
			if len(q.Options) < 2 || len(mq.CorrectOptions) != 1 {
				continue
			}
			idx := mq.CorrectOptions[0]
			if idx < 0 || idx >= len(q.Options) {
				continue
			}
			q.CorrectIndex = idx

		case QuestionMultipleChoice:
			q.Kind = QuestionMultipleChoice
			if len(q.Options) < 2 {
				continue
			}
			indices := uniqueInRange(mq.CorrectOptions, len(q.Options))
			if len(indices) < 2 {
				continue
			}
			q.CorrectIndices = indices

		case QuestionTrueFalse:
			q.Kind = QuestionTrueFalse
			q.Options = nil
			q.CorrectBool = mq.CorrectAnswer

		case QuestionOpenEnded:
			q.Kind = QuestionOpenEnded
			q.Options = nil

		default:
			continue
		}
		out = append(out, q)
	}
	return out
}

func uniqueInRange(in []int, n int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, i := range in {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// -------------------- validation warnings --------------------

func (s *CourseSynthesizer) collectWarnings(spec CourseSpec, tree *CourseTree, truncated bool) []string {
	var warnings []string
	if truncated {
		warnings = append(warnings, "model output was truncated at the token ceiling; the course may be smaller than requested")
	}
	if got := len(tree.Topics); got != spec.NumberOfTopics {
		warnings = append(warnings, fmt.Sprintf("requested %d topics, model produced %d", spec.NumberOfTopics, got))
	}
	if got := len(tree.Tags); got != RequiredTagCount {
		warnings = append(warnings, fmt.Sprintf("expected %d tags, model produced %d", RequiredTagCount, got))
	}
	for ti, topic := range tree.Topics {
		if got := len(topic.Lessons); got != spec.LessonsPerTopic {
			warnings = append(warnings, fmt.Sprintf("topic %d: requested %d lessons, got %d", ti+1, spec.LessonsPerTopic, got))
		}
		if topic.Quiz == nil {
			warnings = append(warnings, fmt.Sprintf("topic %d: no usable quiz", ti+1))
			continue
		}
		if got := len(topic.Quiz.Questions); got != spec.QuestionsPerQuiz {
			warnings = append(warnings, fmt.Sprintf("topic %d: requested %d questions, got %d", ti+1, spec.QuestionsPerQuiz, got))
		}
		for li, lesson := range topic.Lessons {
			words := len(strings.Fields(lesson.Content))
			if words < minLessonWords || words > maxLessonWords {
				warnings = append(warnings, fmt.Sprintf("topic %d lesson %d: %d words, outside %d-%d", ti+1, li+1, words, minLessonWords, maxLessonWords))
			}
		}
	}
	return warnings
}

// -------------------- fallback extraction --------------------

// ExtractBalancedJSONObject pulls the first balanced top-level JSON object out
// of free-form model text, tolerating markdown fences and prose around it.
// Braces inside JSON strings do not affect the balance count.
func ExtractBalancedJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in model output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in model output")
}
