package coursebuilder

import "errors"

// Error taxonomy for the pipeline. Fatal errors abort the run and surface a
// single terminal error event; non-fatal ones degrade the run and are
// reported over the progress channel.
var (
	// ErrConfigurationMissing: required credential absent. Fatal, no retry.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrRetrievalUnavailable: embedding or vector-search backend unreachable
	// or unconfigured. Non-fatal; synthesis proceeds from general domain
	// knowledge with degraded quality.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrSynthesisUnavailable: completion backend missing/unreachable. Fatal.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")

	// ErrSynthesisParseError: model output could not be parsed into a course
	// tree. Fatal.
	ErrSynthesisParseError = errors.New("synthesis parse error")

	// ErrRemoteCreateFailed: one LMS create call failed. Scoped to a single
	// tree node; the publisher skips the subtree and continues siblings.
	ErrRemoteCreateFailed = errors.New("remote create failed")

	// ErrAssetPipelineFailed: image generation or upload failed. Non-fatal.
	ErrAssetPipelineFailed = errors.New("asset pipeline failed")
)
