package coursebuilder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/wpmedia"
)

type fakeMedia struct {
	mu      sync.Mutex
	nextID  int64
	uploads []string
	err     error
}

func (f *fakeMedia) Upload(ctx context.Context, data []byte, filename, title, mimeType string) (wpmedia.UploadResult, error) {
	if f.err != nil {
		return wpmedia.UploadResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.uploads = append(f.uploads, filename)
	return wpmedia.UploadResult{MediaID: f.nextID, URL: "https://media.example/" + filename}, nil
}

type fakeBucket struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeBucket) UploadObject(ctx context.Context, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeBucket) PublicURL(key string) string {
	return "https://storage.example/bucket/" + key
}

func imageTree() *CourseTree {
	return &CourseTree{
		Title:    "Fall Protection",
		Overview: "Working at height safely.",
		Topics: []Topic{
			{
				Title: "Harnesses",
				Lessons: []Lesson{
					{Title: "Fitting", Content: "c", ImageDescription: "A worker adjusting a harness."},
					{Title: "Inspection", Content: "c"}, // no description
				},
			},
		},
	}
}

func TestImagePipelineDisabledSkips(t *testing.T) {
	p := NewImageAssetPipeline(testLogger(t), nil, nil, nil)
	if p.Enabled() {
		t.Fatalf("pipeline without backends must be disabled")
	}
	results := p.GenerateCourseAssets(context.Background(), CourseSpec{GenerateFeaturedImage: true}, imageTree())
	res, ok := results[CourseAssetKey()]
	if !ok || !res.Skipped {
		t.Fatalf("disabled pipeline should report skipped: %+v", results)
	}
}

func TestImagePipelineGeneratesAndArchives(t *testing.T) {
	ai := &fakeAI{}
	media := &fakeMedia{}
	bucket := &fakeBucket{}
	p := NewImageAssetPipeline(testLogger(t), ai, media, bucket)

	spec := CourseSpec{GenerateFeaturedImage: true}
	results := p.GenerateCourseAssets(context.Background(), spec, imageTree())

	course := results[CourseAssetKey()]
	if course.Skipped || course.Handle == nil {
		t.Fatalf("featured image: %+v", course)
	}
	if course.Handle.ArchiveURL == "" {
		t.Fatalf("archive URL missing: %+v", course.Handle)
	}

	withDesc := results[LessonAssetKey(0, 0)]
	if withDesc.Skipped || withDesc.Handle == nil || withDesc.Handle.MediaID == 0 {
		t.Fatalf("lesson image: %+v", withDesc)
	}
	noDesc := results[LessonAssetKey(0, 1)]
	if !noDesc.Skipped {
		t.Fatalf("lesson without description must be skipped: %+v", noDesc)
	}

	if ai.imageCalls != 2 {
		t.Fatalf("imageCalls = %d, want 2", ai.imageCalls)
	}
	if len(bucket.keys) != 2 {
		t.Fatalf("archive keys: %v", bucket.keys)
	}
}

func TestImagePipelineLessonPromptCarriesImageryPolicy(t *testing.T) {
	ai := &fakeAI{}
	media := &fakeMedia{}
	p := NewImageAssetPipeline(testLogger(t), ai, media, nil)

	p.GenerateCourseAssets(context.Background(), CourseSpec{}, imageTree())

	ai.mu.Lock()
	prompts := append([]string(nil), ai.imagePrompts...)
	ai.mu.Unlock()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %v, want one lesson prompt", prompts)
	}
	if !strings.HasPrefix(prompts[0], "A worker adjusting a harness") {
		t.Fatalf("lesson prompt lost its description: %q", prompts[0])
	}
	if !strings.Contains(prompts[0], "no text in the image") {
		t.Fatalf("lesson prompt missing the no-embedded-text policy: %q", prompts[0])
	}
	if !strings.Contains(prompts[0], "Professional") {
		t.Fatalf("lesson prompt missing the professional imagery bias: %q", prompts[0])
	}
}

func TestImagePipelineGenerationFailureIsContained(t *testing.T) {
	ai := &fakeAI{imageErr: fmt.Errorf("rate limited")}
	media := &fakeMedia{}
	p := NewImageAssetPipeline(testLogger(t), ai, media, nil)

	results := p.GenerateCourseAssets(context.Background(), CourseSpec{GenerateFeaturedImage: true}, imageTree())
	course := results[CourseAssetKey()]
	if !course.Skipped || course.Reason == "" {
		t.Fatalf("failed generation should skip with a reason: %+v", course)
	}
	if len(media.uploads) != 0 {
		t.Fatalf("nothing should be uploaded after generation failure")
	}
}

func TestImagePipelineArchiveFailureKeepsMediaHandle(t *testing.T) {
	ai := &fakeAI{}
	media := &fakeMedia{}
	bucket := &fakeBucket{err: fmt.Errorf("bucket gone")}
	p := NewImageAssetPipeline(testLogger(t), ai, media, bucket)

	results := p.GenerateCourseAssets(context.Background(), CourseSpec{GenerateFeaturedImage: true}, imageTree())
	course := results[CourseAssetKey()]
	if course.Skipped || course.Handle == nil {
		t.Fatalf("archive failure must not lose the media handle: %+v", course)
	}
	if course.Handle.ArchiveURL != "" {
		t.Fatalf("archive URL should be empty when archiving fails")
	}
}
