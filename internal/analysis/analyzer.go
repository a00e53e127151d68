package analysis

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAnalysisCallFailed wraps transient model failures (timeouts, quota,
// malformed output after retries). Callers treat it as retryable.
var ErrAnalysisCallFailed = errors.New("analysis call failed")

// Still is one image handed to the model: either a video keyframe with its
// requested timestamp, or the whole image for image media (timestamp 0).
type Still struct {
	TimestampMS int64
	MIMEType    string
	Data        []byte
}

// Request carries everything the model needs to produce a digest for one
// piece of media. Params is the caller's raw analysis_params JSON; anything
// that lands here must also have fed the fingerprint.
type Request struct {
	Kind   string
	Title  string
	Params json.RawMessage
	Stills []Still
}

// Analyzer produces a digest from resolved media content.
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (*Digest, error)
}
