package coursebuilder

import (
	"fmt"
	"strings"
)

type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyExpert       Difficulty = "expert"
)

func ParseDifficulty(raw string) (Difficulty, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "beginner":
		return DifficultyBeginner, nil
	case "intermediate":
		return DifficultyIntermediate, nil
	case "expert", "advanced":
		return DifficultyExpert, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", raw)
	}
}

// CourseSpec is the caller's request. Topic and lesson counts bound the total
// generated lesson volume so a single run stays inside the model's
// output-token budget.
type CourseSpec struct {
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	Difficulty            Difficulty `json:"difficulty"`
	NumberOfTopics        int        `json:"number_of_topics"`
	LessonsPerTopic       int        `json:"lessons_per_topic"`
	QuestionsPerQuiz      int        `json:"questions_per_quiz"`
	GenerateFeaturedImage bool       `json:"generate_featured_image"`
	Namespace             string     `json:"namespace,omitempty"`
}

const (
	MinTopics          = 3
	MaxTopics          = 20
	MinLessonsPerTopic = 2
	MaxLessonsPerTopic = 5
	MaxTotalLessons    = 100

	DefaultQuestionsPerQuiz = 5
	MaxQuestionsPerQuiz     = 10
)

func (s *CourseSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("title required")
	}
	d, err := ParseDifficulty(string(s.Difficulty))
	if err != nil {
		return err
	}
	s.Difficulty = d
	if s.NumberOfTopics < MinTopics || s.NumberOfTopics > MaxTopics {
		return fmt.Errorf("number_of_topics must be in [%d,%d], got %d", MinTopics, MaxTopics, s.NumberOfTopics)
	}
	if s.LessonsPerTopic < MinLessonsPerTopic || s.LessonsPerTopic > MaxLessonsPerTopic {
		return fmt.Errorf("lessons_per_topic must be in [%d,%d], got %d", MinLessonsPerTopic, MaxLessonsPerTopic, s.LessonsPerTopic)
	}
	if total := s.NumberOfTopics * s.LessonsPerTopic; total > MaxTotalLessons {
		return fmt.Errorf("requested %d lessons exceeds ceiling of %d", total, MaxTotalLessons)
	}
	if s.QuestionsPerQuiz == 0 {
		s.QuestionsPerQuiz = DefaultQuestionsPerQuiz
	}
	if s.QuestionsPerQuiz < 1 || s.QuestionsPerQuiz > MaxQuestionsPerQuiz {
		return fmt.Errorf("questions_per_quiz must be in [1,%d], got %d", MaxQuestionsPerQuiz, s.QuestionsPerQuiz)
	}
	return nil
}

// RetrievalQuery is built once per run and never persisted.
type RetrievalQuery struct {
	Text      string
	TopK      int
	Namespace string
	Filter    map[string]any
}

// ContentChunk is a scored knowledge-base passage. Immutable once returned.
type ContentChunk struct {
	Text           string
	SourceFileName string
	SourceFileID   string
	MimeType       string
	RelevanceScore float64
}

// -------------------- course tree --------------------

const RequiredTagCount = 10

type CourseTree struct {
	Title              string
	Description        string
	Difficulty         Difficulty
	Overview           string
	LearningObjectives []string
	TargetAudience     []string
	Requirements       []string
	MaterialsIncluded  []string
	Tags               []string
	Topics             []Topic
}

type Topic struct {
	Title   string
	Summary string
	Order   int
	Lessons []Lesson
	Quiz    *Quiz
}

type Lesson struct {
	Title            string
	Content          string
	ImageDescription string
}

type Quiz struct {
	Title       string
	Description string
	Questions   []Question
}

type QuestionKind string

const (
	QuestionSingleChoice   QuestionKind = "single_choice"
	QuestionTrueFalse      QuestionKind = "true_false"
	QuestionMultipleChoice QuestionKind = "multiple_choice"
	QuestionOpenEnded      QuestionKind = "open_ended"
)

// Question is a tagged union over QuestionKind. Only the fields for the
// question's own kind are meaningful.
type Question struct {
	Kind        QuestionKind
	Text        string
	Explanation string

	// single_choice / multiple_choice
	Options        []string
	CorrectIndex   int   // single_choice
	CorrectIndices []int // multiple_choice

	// true_false
	CorrectBool bool
}

// SynthesisStats summarizes what the model actually produced, for caller
// visibility against what was requested.
type SynthesisStats struct {
	Topics    int      `json:"topics"`
	Lessons   int      `json:"lessons"`
	Quizzes   int      `json:"quizzes"`
	Questions int      `json:"questions"`
	Tags      int      `json:"tags"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (t *CourseTree) Stats() SynthesisStats {
	st := SynthesisStats{Topics: len(t.Topics), Tags: len(t.Tags)}
	for _, topic := range t.Topics {
		st.Lessons += len(topic.Lessons)
		if topic.Quiz != nil {
			st.Quizzes++
			st.Questions += len(topic.Quiz.Questions)
		}
	}
	return st
}

// -------------------- assets --------------------

type AssetHandle struct {
	MediaID    int64  `json:"media_id"`
	URL        string `json:"url"`
	ArchiveURL string `json:"archive_url,omitempty"`
}

// AssetResult is the outcome of one image-pipeline attempt. A skipped result
// never aborts course creation.
type AssetResult struct {
	Handle  *AssetHandle
	Skipped bool
	Reason  string
}

// Asset map keys address tree positions.
func CourseAssetKey() string                 { return "course" }
func LessonAssetKey(topic, lesson int) string { return fmt.Sprintf("topic:%d:lesson:%d", topic, lesson) }

// -------------------- publish --------------------

// LmsIdentifiers maps tree positions to remote IDs assigned by the LMS.
// A missing entry means that node's remote creation failed or was skipped.
type LmsIdentifiers map[string]int64

func TopicIDKey(topic int) string            { return fmt.Sprintf("topic:%d", topic) }
func LessonIDKey(topic, lesson int) string   { return fmt.Sprintf("topic:%d:lesson:%d", topic, lesson) }
func QuizIDKey(topic int) string             { return fmt.Sprintf("topic:%d:quiz", topic) }
func QuestionIDKey(topic, question int) string {
	return fmt.Sprintf("topic:%d:quiz:question:%d", topic, question)
}

type PublishStats struct {
	TopicsRequested    int `json:"topics_requested"`
	TopicsCreated      int `json:"topics_created"`
	LessonsRequested   int `json:"lessons_requested"`
	LessonsCreated     int `json:"lessons_created"`
	QuizzesRequested   int `json:"quizzes_requested"`
	QuizzesCreated     int `json:"quizzes_created"`
	QuestionsRequested int `json:"questions_requested"`
	QuestionsCreated   int `json:"questions_created"`
	ThumbnailsAttached int `json:"thumbnails_attached"`
}

// PublishResult reports a run. Success means the root course was created;
// deeper partial failures show up only in the statistics.
type PublishResult struct {
	CourseID   int64          `json:"course_id"`
	Permalink  string         `json:"permalink"`
	Statistics PublishStats   `json:"statistics"`
	IDs        LmsIdentifiers `json:"-"`
}
