package coursebuilder

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/tutorlms"
)

// Quiz policy applied to every generated quiz.
const (
	quizAttemptsAllowed = 3
	quizPassingGrade    = 70
	quizMinMinutes      = 5
	quizMinutesPerQuestion = 1.5
)

// QuizTimeLimitMinutes gives learners roughly 90 seconds per question with a
// floor so tiny quizzes aren't a race.
func QuizTimeLimitMinutes(questionCount int) int {
	minutes := int(math.Ceil(float64(questionCount) * quizMinutesPerQuestion))
	if minutes < quizMinMinutes {
		minutes = quizMinMinutes
	}
	return minutes
}

// LmsPublisher walks the course tree in dependency order (course, then per
// topic: topic, lessons, quiz, questions) issuing create calls. A failed
// create prunes only its own subtree: a dead topic skips its lessons and
// quiz, a dead quiz skips its questions, siblings continue. Only a failed
// root course create fails the publish.
type LmsPublisher struct {
	log *logger.Logger
	lms tutorlms.Client
}

func NewLmsPublisher(log *logger.Logger, lms tutorlms.Client) *LmsPublisher {
	return &LmsPublisher{
		log: log.With("service", "LmsPublisher"),
		lms: lms,
	}
}

func (p *LmsPublisher) Publish(ctx context.Context, tree *CourseTree, assets map[string]AssetResult) (*PublishResult, error) {
	if p.lms == nil {
		return nil, fmt.Errorf("%w: LMS client not configured", ErrConfigurationMissing)
	}
	if tree == nil || len(tree.Topics) == 0 {
		return nil, fmt.Errorf("empty course tree")
	}

	result := &PublishResult{IDs: make(LmsIdentifiers)}
	stats := &result.Statistics

	courseID, err := p.lms.CreateCourse(ctx, p.coursePayload(tree, assets, stats))
	if err != nil {
		return nil, fmt.Errorf("%w: course: %v", ErrRemoteCreateFailed, err)
	}
	result.CourseID = courseID
	result.Permalink = Slugify(tree.Title)
	p.log.Info("Course created", "course_id", courseID, "permalink", result.Permalink)

	for ti, topic := range tree.Topics {
		stats.TopicsRequested++
		stats.LessonsRequested += len(topic.Lessons)
		if topic.Quiz != nil {
			stats.QuizzesRequested++
			stats.QuestionsRequested += len(topic.Quiz.Questions)
		}

		topicID, err := p.lms.CreateTopic(ctx, tutorlms.TopicPayload{
			TopicCourseID: courseID,
			TopicTitle:    topic.Title,
			TopicSummary:  topic.Summary,
		})
		if err != nil {
			p.log.Warn("Topic create failed, skipping subtree",
				"topic_index", ti,
				"title", topic.Title,
				"error", err.Error(),
			)
			continue
		}
		stats.TopicsCreated++
		result.IDs[TopicIDKey(ti)] = topicID

		for li, lesson := range topic.Lessons {
			payload := tutorlms.LessonPayload{
				TopicID:       topicID,
				LessonTitle:   lesson.Title,
				LessonContent: lesson.Content,
			}
			if res, ok := assets[LessonAssetKey(ti, li)]; ok && res.Handle != nil {
				payload.ThumbnailID = res.Handle.MediaID
			}
			lessonID, err := p.lms.CreateLesson(ctx, payload)
			if err != nil {
				p.log.Warn("Lesson create failed, continuing",
					"topic_index", ti,
					"lesson_index", li,
					"title", lesson.Title,
					"error", err.Error(),
				)
				continue
			}
			stats.LessonsCreated++
			result.IDs[LessonIDKey(ti, li)] = lessonID
			if payload.ThumbnailID > 0 {
				stats.ThumbnailsAttached++
			}
		}

		if topic.Quiz == nil {
			continue
		}
		quizID, err := p.lms.CreateQuiz(ctx, p.quizPayload(topicID, topic.Quiz))
		if err != nil {
			p.log.Warn("Quiz create failed, skipping questions",
				"topic_index", ti,
				"title", topic.Quiz.Title,
				"error", err.Error(),
			)
			continue
		}
		stats.QuizzesCreated++
		result.IDs[QuizIDKey(ti)] = quizID

		for qi, question := range topic.Quiz.Questions {
			payload, err := QuestionPayloadFor(quizID, question)
			if err != nil {
				p.log.Warn("Question unmappable, skipping",
					"topic_index", ti,
					"question_index", qi,
					"error", err.Error(),
				)
				continue
			}
			questionID, err := p.lms.CreateQuestion(ctx, payload)
			if err != nil {
				p.log.Warn("Question create failed, continuing",
					"topic_index", ti,
					"question_index", qi,
					"error", err.Error(),
				)
				continue
			}
			stats.QuestionsCreated++
			result.IDs[QuestionIDKey(ti, qi)] = questionID
		}
	}

	p.log.Info("Publish complete",
		"course_id", courseID,
		"topics", fmt.Sprintf("%d/%d", stats.TopicsCreated, stats.TopicsRequested),
		"lessons", fmt.Sprintf("%d/%d", stats.LessonsCreated, stats.LessonsRequested),
		"quizzes", fmt.Sprintf("%d/%d", stats.QuizzesCreated, stats.QuizzesRequested),
		"questions", fmt.Sprintf("%d/%d", stats.QuestionsCreated, stats.QuestionsRequested),
	)
	return result, nil
}

func (p *LmsPublisher) coursePayload(tree *CourseTree, assets map[string]AssetResult, stats *PublishStats) tutorlms.CoursePayload {
	payload := tutorlms.CoursePayload{
		PostTitle:   tree.Title,
		PostContent: tree.Overview,
		PostStatus:  "publish",
		CourseLevel: courseLevel(tree.Difficulty),
		CourseTags:  tree.Tags,
	}
	payload.AdditionalContent.CourseBenefits = joinLines(tree.LearningObjectives)
	payload.AdditionalContent.CourseTargetAudience = joinLines(tree.TargetAudience)
	payload.AdditionalContent.CourseRequirements = joinLines(tree.Requirements)
	payload.AdditionalContent.CourseMaterialIncludes = joinLines(tree.MaterialsIncluded)

	totalLessons := 0
	for _, t := range tree.Topics {
		totalLessons += len(t.Lessons)
	}
	// Rough duration estimate: ten minutes of study per lesson.
	payload.AdditionalContent.CourseDuration.Hours = totalLessons / 6
	payload.AdditionalContent.CourseDuration.Minutes = (totalLessons % 6) * 10

	if res, ok := assets[CourseAssetKey()]; ok && res.Handle != nil {
		payload.ThumbnailID = res.Handle.MediaID
		stats.ThumbnailsAttached++
	}
	return payload
}

func (p *LmsPublisher) quizPayload(topicID int64, quiz *Quiz) tutorlms.QuizPayload {
	payload := tutorlms.QuizPayload{
		TopicID:         topicID,
		QuizTitle:       quiz.Title,
		QuizDescription: quiz.Description,
	}
	payload.QuizOptions.TimeLimit.TimeValue = QuizTimeLimitMinutes(len(quiz.Questions))
	payload.QuizOptions.TimeLimit.TimeType = "minutes"
	payload.QuizOptions.AttemptsAllowed = quizAttemptsAllowed
	payload.QuizOptions.PassingGrade = quizPassingGrade
	payload.QuizOptions.QuestionsOrder = "rand"
	payload.QuizOptions.MaxQuestionsForAnswer = len(quiz.Questions)
	return payload
}

// QuestionPayloadFor maps a typed question to the LMS wire contract. The LMS
// matches answers by option TEXT, so correct_answer carries the literal text
// of the correct option(s): a single string for single_choice, an array of
// strings for multiple_choice, "true"/"false" for true_false, and no field at
// all for open_ended.
func QuestionPayloadFor(quizID int64, q Question) (tutorlms.QuestionPayload, error) {
	payload := tutorlms.QuestionPayload{
		QuizID:            quizID,
		QuestionTitle:     q.Text,
		QuestionMark:      1,
		AnswerExplanation: q.Explanation,
	}

	switch q.Kind {
	case QuestionSingleChoice:
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return payload, fmt.Errorf("single_choice correct index %d out of range for %d options", q.CorrectIndex, len(q.Options))
		}
		payload.QuestionType = "single_choice"
		payload.Options = q.Options
		payload.CorrectAnswer = q.Options[q.CorrectIndex]

	case QuestionMultipleChoice:
		if len(q.CorrectIndices) < 2 {
			return payload, fmt.Errorf("multiple_choice needs at least 2 correct indices, got %d", len(q.CorrectIndices))
		}
		texts := make([]string, 0, len(q.CorrectIndices))
		for _, idx := range q.CorrectIndices {
			if idx < 0 || idx >= len(q.Options) {
				return payload, fmt.Errorf("multiple_choice correct index %d out of range for %d options", idx, len(q.Options))
			}
			texts = append(texts, q.Options[idx])
		}
		payload.QuestionType = "multiple_choice"
		payload.Options = q.Options
		payload.CorrectAnswer = texts

	case QuestionTrueFalse:
		payload.QuestionType = "true_false"
		payload.Options = []string{"True", "False"}
		if q.CorrectBool {
			payload.CorrectAnswer = "true"
		} else {
			payload.CorrectAnswer = "false"
		}

	case QuestionOpenEnded:
		payload.QuestionType = "open_ended"
		// No options and no correct_answer: graded manually.

	default:
		return payload, fmt.Errorf("unknown question kind %q", q.Kind)
	}
	return payload, nil
}

func courseLevel(d Difficulty) string {
	switch d {
	case DifficultyIntermediate:
		return "intermediate"
	case DifficultyExpert:
		return "expert"
	default:
		return "beginner"
	}
}

func joinLines(items []string) string {
	return strings.Join(items, "\n")
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases, replaces non-alphanumeric runs with hyphens, and trims
// edge hyphens. Mirrors how the LMS derives post permalinks from titles.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStripRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
