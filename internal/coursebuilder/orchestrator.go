package coursebuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/atlas-safety/coursebuilder-backend/internal/observability"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/records"
)

// CourseCreationOrchestrator sequences one run: retrieve, synthesize,
// generate assets, publish, record. It owns the run's progress stream and
// guarantees exactly one terminal event.
type CourseCreationOrchestrator struct {
	log         *logger.Logger
	retriever   *KnowledgeRetriever // optional
	synthesizer *CourseSynthesizer
	images      *ImageAssetPipeline // optional
	publisher   *LmsPublisher
	store       *records.Store
}

func NewCourseCreationOrchestrator(
	log *logger.Logger,
	retriever *KnowledgeRetriever,
	synthesizer *CourseSynthesizer,
	images *ImageAssetPipeline,
	publisher *LmsPublisher,
	store *records.Store,
) *CourseCreationOrchestrator {
	return &CourseCreationOrchestrator{
		log:         log.With("service", "CourseCreationOrchestrator"),
		retriever:   retriever,
		synthesizer: synthesizer,
		images:      images,
		publisher:   publisher,
		store:       store,
	}
}

// RunOutcome is the terminal payload of a successful run.
type RunOutcome struct {
	RunID      string         `json:"run_id"`
	CourseID   int64          `json:"course_id"`
	Permalink  string         `json:"permalink"`
	Synthesis  SynthesisStats `json:"synthesis"`
	Publishing PublishStats   `json:"publishing"`
	Retrieved  int            `json:"retrieved_chunks"`
}

// Run executes the full pipeline, streaming progress to sink. It always ends
// the stream with exactly one terminal event and returns the error (if any)
// for the caller's logs; the HTTP layer has usually already detached by then.
func (o *CourseCreationOrchestrator) Run(ctx context.Context, spec CourseSpec, sink ProgressSink) (outcome *RunOutcome, err error) {
	runID := uuid.NewString()
	log := o.log.With("run_id", runID, "course_title", spec.Title)

	ctx, span := observability.Tracer().Start(ctx, "course.run")
	span.SetAttributes(
		attribute.String("course.run_id", runID),
		attribute.String("course.title", spec.Title),
		attribute.String("course.difficulty", string(spec.Difficulty)),
		attribute.Int("course.topics_requested", spec.NumberOfTopics),
	)
	defer func() {
		status := "complete"
		if err != nil {
			status = "failed"
			sink.EmitError(err.Error())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if metrics := observability.Current(); metrics != nil {
			metrics.IncCourseRun(status)
		}
	}()

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid course spec: %w", err)
	}
	sink.Emit(StepInit, ProgressInit, "run started")
	o.recordStart(runID, spec)
	log.Info("Course run started",
		"difficulty", spec.Difficulty,
		"topics", spec.NumberOfTopics,
		"lessons_per_topic", spec.LessonsPerTopic,
	)

	// Retrieval is best-effort: a dead knowledge base degrades quality, it
	// never blocks a build.
	sink.Emit(StepRetrieval, ProgressRetrieval, "searching knowledge base")
	chunks := o.retrieve(ctx, log, spec)
	sink.Emit(StepRetrieval, ProgressRetrievalDone, fmt.Sprintf("retrieved %d relevant sources", len(chunks)))

	sink.Emit(StepSynthesis, ProgressSynthesis, "generating course content")
	tree, synthStats, err := o.synthesizer.Synthesize(ctx, spec, chunks)
	if err != nil {
		o.recordFailure(runID, spec, err)
		return nil, err
	}
	for _, w := range synthStats.Warnings {
		sink.EmitStatus(StepSynthesis, w)
	}
	sink.Emit(StepSynthesis, ProgressSynthesisDone,
		fmt.Sprintf("generated %d topics, %d lessons, %d questions", synthStats.Topics, synthStats.Lessons, synthStats.Questions))

	var assets map[string]AssetResult
	if o.images.Enabled() {
		sink.EmitStatus(StepImages, "generating course imagery")
		assets = o.images.GenerateCourseAssets(ctx, spec, tree)
	}

	sink.Emit(StepPublish, ProgressPublish, "publishing course to LMS")
	pubResult, err := o.publisher.Publish(ctx, tree, assets)
	if err != nil {
		o.recordFailure(runID, spec, err)
		return nil, err
	}
	sink.Emit(StepPublish, ProgressPublishDone,
		fmt.Sprintf("published course %d: %d/%d lessons created", pubResult.CourseID, pubResult.Statistics.LessonsCreated, pubResult.Statistics.LessonsRequested))

	sink.Emit(StepFinalize, ProgressFinalize, "recording results")
	outcome = &RunOutcome{
		RunID:      runID,
		CourseID:   pubResult.CourseID,
		Permalink:  pubResult.Permalink,
		Synthesis:  synthStats,
		Publishing: pubResult.Statistics,
		Retrieved:  len(chunks),
	}
	o.recordSuccess(runID, spec, outcome)

	log.Info("Course run complete",
		"course_id", outcome.CourseID,
		"lessons_created", outcome.Publishing.LessonsCreated,
		"warnings", len(synthStats.Warnings),
	)
	sink.EmitComplete(outcome)
	return outcome, nil
}

func (o *CourseCreationOrchestrator) retrieve(ctx context.Context, log *logger.Logger, spec CourseSpec) []ContentChunk {
	if o.retriever == nil {
		log.Warn("Knowledge retrieval not configured; synthesizing without source material")
		return nil
	}
	query := RetrievalQuery{
		Text:      strings.TrimSpace(spec.Title + "\n" + spec.Description),
		TopK:      TopKForSpec(spec),
		Namespace: spec.Namespace,
	}
	chunks, err := o.retriever.Retrieve(ctx, query)
	if err != nil {
		if errors.Is(err, ErrRetrievalUnavailable) {
			log.Warn("Knowledge retrieval unavailable, continuing without sources", "error", err.Error())
			return nil
		}
		log.Warn("Knowledge retrieval failed, continuing without sources", "error", err.Error())
		return nil
	}
	return chunks
}

// -------------------- record keeping --------------------

func (o *CourseCreationOrchestrator) recordStart(runID string, spec CourseSpec) {
	if o.store == nil {
		return
	}
	if err := o.store.Upsert(records.CourseRecord{
		RunID:      runID,
		Title:      spec.Title,
		Difficulty: string(spec.Difficulty),
		Status:     records.StatusRunning,
	}); err != nil {
		o.log.Warn("Failed to record run start", "run_id", runID, "error", err.Error())
	}
}

func (o *CourseCreationOrchestrator) recordFailure(runID string, spec CourseSpec, runErr error) {
	if o.store == nil {
		return
	}
	if err := o.store.Upsert(records.CourseRecord{
		RunID:      runID,
		Title:      spec.Title,
		Difficulty: string(spec.Difficulty),
		Status:     records.StatusFailed,
		Error:      runErr.Error(),
	}); err != nil {
		o.log.Warn("Failed to record run failure", "run_id", runID, "error", err.Error())
	}
}

func (o *CourseCreationOrchestrator) recordSuccess(runID string, spec CourseSpec, outcome *RunOutcome) {
	if o.store == nil {
		return
	}
	if err := o.store.Upsert(records.CourseRecord{
		RunID:       runID,
		Title:       spec.Title,
		Difficulty:  string(spec.Difficulty),
		Status:      records.StatusComplete,
		CourseID:    outcome.CourseID,
		Permalink:   outcome.Permalink,
		Warnings:    outcome.Synthesis.Warnings,
		TopicCount:  outcome.Publishing.TopicsCreated,
		LessonCount: outcome.Publishing.LessonsCreated,
		QuizCount:   outcome.Publishing.QuizzesCreated,
	}); err != nil {
		o.log.Warn("Failed to record run success", "run_id", runID, "error", err.Error())
	}
}
