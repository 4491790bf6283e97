package tutorlms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/observability"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/ctxutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/envutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/httpx"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

// Client is the Tutor-LMS-compatible REST surface the publisher writes to.
// Field names in the payload structs are fixed by the upstream schema; do not
// rename them.
type Client interface {
	CreateCourse(ctx context.Context, p CoursePayload) (int64, error)
	CreateTopic(ctx context.Context, p TopicPayload) (int64, error)
	CreateLesson(ctx context.Context, p LessonPayload) (int64, error)
	CreateQuiz(ctx context.Context, p QuizPayload) (int64, error)
	CreateQuestion(ctx context.Context, p QuestionPayload) (int64, error)
}

type Config struct {
	BaseURL  string
	APIKey   string
	Secret   string
	QuizPath string // "/quizzes" or "/quiz" depending on deployment
	Timeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:  strings.TrimRight(envutil.Str("TUTOR_LMS_BASE_URL", ""), "/"),
		APIKey:   strings.TrimSpace(os.Getenv("TUTOR_LMS_API_KEY")),
		Secret:   strings.TrimSpace(os.Getenv("TUTOR_LMS_API_SECRET")),
		QuizPath: envutil.Str("TUTOR_LMS_QUIZ_PATH", "/quizzes"),
		Timeout:  time.Duration(envutil.Int("TUTOR_LMS_TIMEOUT_SECONDS", 45)) * time.Second,
	}
	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("missing TUTOR_LMS_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Secret == "" {
		return cfg, fmt.Errorf("missing TUTOR_LMS_API_KEY / TUTOR_LMS_API_SECRET")
	}
	return cfg, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	maxRetries int
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing LMS base URL")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("missing LMS key/secret")
	}
	if strings.TrimSpace(cfg.QuizPath) == "" {
		cfg.QuizPath = "/quizzes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &client{
		log:        log.With("service", "TutorLMSClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: envutil.Int("TUTOR_LMS_MAX_RETRIES", 2),
	}, nil
}

// -------------------- Payloads (upstream wire schema) --------------------

type CoursePayload struct {
	PostTitle         string `json:"post_title"`
	PostContent       string `json:"post_content"`
	PostStatus        string `json:"post_status"`
	CourseLevel       string `json:"course_level"`
	AdditionalContent struct {
		CourseBenefits     string `json:"course_benefits"`
		CourseTargetAudience string `json:"course_target_audience"`
		CourseDuration     struct {
			Hours   int `json:"hours"`
			Minutes int `json:"minutes"`
		} `json:"course_duration"`
		CourseMaterialIncludes string `json:"course_material_includes"`
		CourseRequirements     string `json:"course_requirements"`
	} `json:"additional_content"`
	CourseCategories []string `json:"course_categories,omitempty"`
	CourseTags       []string `json:"course_tags,omitempty"`
	ThumbnailID      int64    `json:"thumbnail_id,omitempty"`
}

type TopicPayload struct {
	TopicCourseID int64  `json:"topic_course_id"`
	TopicTitle    string `json:"topic_title"`
	TopicSummary  string `json:"topic_summary"`
	TopicAuthor   int64  `json:"topic_author,omitempty"`
}

type LessonPayload struct {
	TopicID       int64  `json:"topic_id"`
	LessonTitle   string `json:"lesson_title"`
	LessonContent string `json:"lesson_content"`
	ThumbnailID   int64  `json:"thumbnail_id,omitempty"`
	LessonAuthor  int64  `json:"lesson_author,omitempty"`
}

type QuizOptions struct {
	TimeLimit struct {
		TimeValue int    `json:"time_value"`
		TimeType  string `json:"time_type"`
	} `json:"time_limit"`
	AttemptsAllowed    int    `json:"attempts_allowed"`
	PassingGrade       int    `json:"passing_grade"`
	QuestionsOrder     string `json:"questions_order"`
	MaxQuestionsForAnswer int `json:"max_questions_for_answer"`
}

type QuizPayload struct {
	TopicID         int64       `json:"topic_id"`
	QuizTitle       string      `json:"quiz_title"`
	QuizDescription string      `json:"quiz_description"`
	QuizOptions     QuizOptions `json:"quiz_options"`
	QuizAuthor      int64       `json:"quiz_author,omitempty"`
}

// QuestionPayload keeps the upstream's text-matching answer contract: options
// carry answer texts and correct_answer carries the literal text (or texts)
// of the correct option, never an index.
type QuestionPayload struct {
	QuizID            int64    `json:"quiz_id"`
	QuestionTitle     string   `json:"question_title"`
	QuestionType      string   `json:"question_type"`
	QuestionMark      int      `json:"question_mark"`
	AnswerExplanation string   `json:"answer_explanation,omitempty"`
	Options           []string `json:"options,omitempty"`
	CorrectAnswer     any      `json:"correct_answer,omitempty"`
}

// -------------------- Operations --------------------

func (c *client) CreateCourse(ctx context.Context, p CoursePayload) (int64, error) {
	return c.create(ctx, "/courses", "course", p)
}

func (c *client) CreateTopic(ctx context.Context, p TopicPayload) (int64, error) {
	return c.create(ctx, "/topics", "topic", p)
}

func (c *client) CreateLesson(ctx context.Context, p LessonPayload) (int64, error) {
	return c.create(ctx, "/lessons", "lesson", p)
}

func (c *client) CreateQuiz(ctx context.Context, p QuizPayload) (int64, error) {
	return c.create(ctx, c.cfg.QuizPath, "quiz", p)
}

func (c *client) CreateQuestion(ctx context.Context, p QuestionPayload) (int64, error) {
	return c.create(ctx, "/quiz-questions", "question", p)
}

type lmsHTTPError struct {
	StatusCode int
	Body       string
}

func (e *lmsHTTPError) Error() string {
	return fmt.Sprintf("tutor lms http %d: %s", e.StatusCode, e.Body)
}

func (e *lmsHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) create(ctx context.Context, path, entity string, body any) (int64, error) {
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		raw, resp, err := c.doOnce(ctx, path, body)
		if err == nil {
			id, idErr := ExtractID(raw)
			if idErr != nil {
				if metrics := observability.Current(); metrics != nil {
					metrics.ObservePublishCall(entity, "bad_response")
				}
				return 0, fmt.Errorf("create %s: %w", entity, idErr)
			}
			if metrics := observability.Current(); metrics != nil {
				metrics.ObservePublishCall(entity, "created")
			}
			return id, nil
		}

		lastErr = err
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			break
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 8*time.Second))
		c.log.Warn("LMS create retrying",
			"entity", entity,
			"path", path,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.ObservePublishCall(entity, "failed")
	}
	return 0, fmt.Errorf("create %s: %w", entity, lastErr)
}

func (c *client) doOnce(ctx context.Context, path string, body any) (json.RawMessage, *http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), "POST", u, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp, &lmsHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, resp, nil
}

// ExtractID normalizes the inconsistent create-response shapes observed
// across Tutor LMS endpoints: {"data":{"id":123}}, {"data":123} and
// {"id":123}. Numeric strings are accepted too.
func ExtractID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty response body")
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		// {"data":{"id":...}} or {"data":...}
		var inner struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(envelope.Data, &inner); err == nil && len(inner.ID) > 0 {
			if id, err := numericID(inner.ID); err == nil {
				return id, nil
			}
		}
		if id, err := numericID(envelope.Data); err == nil {
			return id, nil
		}
	}

	if len(envelope.ID) > 0 && string(envelope.ID) != "null" {
		if id, err := numericID(envelope.ID); err == nil {
			return id, nil
		}
	}

	return 0, fmt.Errorf("no id found in response: %s", truncateBody(raw))
}

func numericID(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("not a positive numeric id: %q", s)
	}
	return id, nil
}

func truncateBody(raw []byte) string {
	const max = 256
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
