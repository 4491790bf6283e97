package coursebuilder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/gcp"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/openai"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/wpmedia"
)

// Lesson images are generated concurrently but capped: image endpoints
// rate-limit aggressively and each call is tens of seconds.
const imageConcurrency = 3

// ImageAssetPipeline generates course imagery and places it in the site media
// library, with a best-effort archive copy in object storage. Every failure
// here is contained: a course publishes fine without thumbnails.
type ImageAssetPipeline struct {
	log     *logger.Logger
	ai      openai.Client
	media   wpmedia.Client
	archive gcp.BucketService // optional
}

func NewImageAssetPipeline(log *logger.Logger, ai openai.Client, media wpmedia.Client, archive gcp.BucketService) *ImageAssetPipeline {
	return &ImageAssetPipeline{
		log:     log.With("service", "ImageAssetPipeline"),
		ai:      ai,
		media:   media,
		archive: archive,
	}
}

// Enabled reports whether the pipeline can produce anything at all. A
// disabled pipeline yields skipped results, never errors.
func (p *ImageAssetPipeline) Enabled() bool {
	return p != nil && p.ai != nil && p.media != nil
}

// GenerateCourseAssets produces the featured image and one image per lesson
// that carries an image description. The returned map is keyed by
// CourseAssetKey / LessonAssetKey; absent or skipped entries mean the
// corresponding node publishes without a thumbnail.
func (p *ImageAssetPipeline) GenerateCourseAssets(ctx context.Context, spec CourseSpec, tree *CourseTree) map[string]AssetResult {
	results := make(map[string]AssetResult)
	if !p.Enabled() {
		reason := "image pipeline not configured"
		p.log.Info("Image generation skipped", "reason", reason)
		results[CourseAssetKey()] = AssetResult{Skipped: true, Reason: reason}
		return results
	}

	runID := time.Now().UTC().Format("20060102T150405")
	var mu sync.Mutex
	put := func(key string, res AssetResult) {
		mu.Lock()
		results[key] = res
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imageConcurrency)

	if spec.GenerateFeaturedImage {
		g.Go(func() error {
			res := p.generateOne(gctx, featuredPrompt(tree), tree.Title, fmt.Sprintf("courses/%s/featured.png", runID))
			put(CourseAssetKey(), res)
			return nil
		})
	} else {
		put(CourseAssetKey(), AssetResult{Skipped: true, Reason: "featured image not requested"})
	}

	for ti := range tree.Topics {
		for li := range tree.Topics[ti].Lessons {
			lesson := tree.Topics[ti].Lessons[li]
			desc := strings.TrimSpace(lesson.ImageDescription)
			key := LessonAssetKey(ti, li)
			if desc == "" {
				put(key, AssetResult{Skipped: true, Reason: "no image description"})
				continue
			}
			objectKey := fmt.Sprintf("courses/%s/topic-%02d-lesson-%02d.png", runID, ti+1, li+1)
			g.Go(func() error {
				put(key, p.generateOne(gctx, lessonPrompt(desc), lesson.Title, objectKey))
				return nil
			})
		}
	}

	// Workers never return errors; failures land in the result map.
	_ = g.Wait()

	generated, skipped := 0, 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		} else {
			generated++
		}
	}
	p.log.Info("Image generation finished", "generated", generated, "skipped", skipped)
	return results
}

func (p *ImageAssetPipeline) generateOne(ctx context.Context, prompt, title, archiveKey string) AssetResult {
	if ctx.Err() != nil {
		return AssetResult{Skipped: true, Reason: ctx.Err().Error()}
	}

	gen, err := p.ai.GenerateImage(ctx, prompt)
	if err != nil {
		p.log.Warn("Image generation failed", "title", title, "error", err.Error())
		return AssetResult{Skipped: true, Reason: fmt.Sprintf("%v: %v", ErrAssetPipelineFailed, err)}
	}

	filename := archiveKey[strings.LastIndexByte(archiveKey, '/')+1:]
	uploaded, err := p.media.Upload(ctx, gen.Bytes, filename, title, gen.MimeType)
	if err != nil {
		p.log.Warn("Media upload failed", "title", title, "error", err.Error())
		return AssetResult{Skipped: true, Reason: fmt.Sprintf("%v: %v", ErrAssetPipelineFailed, err)}
	}

	handle := &AssetHandle{MediaID: uploaded.MediaID, URL: uploaded.URL}
	if p.archive != nil {
		if err := p.archive.UploadObject(ctx, archiveKey, gen.Bytes, gen.MimeType); err != nil {
			p.log.Warn("Asset archive failed", "key", archiveKey, "error", err.Error())
		} else {
			handle.ArchiveURL = p.archive.PublicURL(archiveKey)
		}
	}
	return AssetResult{Handle: handle}
}

// Model-authored scene descriptions carry the subject; the imagery policy is
// appended here so it holds even when the synthesis prompt was ignored.
func lessonPrompt(desc string) string {
	return strings.TrimRight(desc, ".") +
		". Professional workplace safety training illustration, clean modern style, no text in the image."
}

func featuredPrompt(tree *CourseTree) string {
	var b strings.Builder
	b.WriteString("Professional featured image for a workplace safety training course titled ")
	fmt.Fprintf(&b, "%q.", tree.Title)
	if ov := strings.TrimSpace(tree.Overview); ov != "" {
		if len(ov) > 300 {
			ov = ov[:300]
		}
		b.WriteString(" The course covers: ")
		b.WriteString(ov)
	}
	b.WriteString(" Clean modern illustration style, wide banner composition, no text in the image.")
	return b.String()
}
