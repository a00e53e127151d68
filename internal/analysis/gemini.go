package analysis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const promptText = `You are an advertising strategist. Analyze the attached {{.Kind}} creative
{{- if .Title }} titled {{printf "%q" .Title}}{{ end }} and produce a strategic digest.

{{ if .FrameCount -}}
The {{.FrameCount}} attached images are keyframes sampled from the video in
chronological order, at timestamps (ms): {{.Timestamps}}.
{{- end }}
{{ if .Directives -}}
The submitter provided these analysis directives (JSON); honor them where
they do not conflict with the rules below: {{.Directives}}
{{- end }}

Respond with a single JSON object matching this example exactly in shape:

{{.Example}}

Rules:
- schema_version must be "{{.Schema}}".
- summary is 1-3 sentences describing what the creative does and how.
- emotional_hooks and persuasion_techniques are short lowercase phrases.
- call_to_action is the literal ask made of the viewer, or "" if none.
- Respond with raw JSON only, no markdown fences.`

var promptTmpl = template.Must(template.New("digest").Parse(promptText))

const (
	maxGenerateAttempts = 3
	retryBackoff        = 15 * time.Second
)

// GeminiAnalyzer produces digests through the Gemini API. Calls are rate
// limited client-side so a burst of cache misses cannot blow the project
// quota, and transient failures are retried a bounded number of times.
type GeminiAnalyzer struct {
	models  *genai.Models
	model   string
	limiter *rate.Limiter
	config  *genai.GenerateContentConfig
}

func NewGeminiAnalyzer(ctx context.Context, apiKey, model string, requestsPerSecond int) (*GeminiAnalyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: create genai client: %w", err)
	}
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	return &GeminiAnalyzer{
		models:  client.Models,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Second), requestsPerSecond),
		config: &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		},
	}, nil
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, req *Request) (*Digest, error) {
	if len(req.Stills) == 0 {
		return nil, fmt.Errorf("%w: no stills to analyze", ErrAnalysisCallFailed)
	}

	prompt, err := g.renderPrompt(req)
	if err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(req.Stills)+1)
	parts = append(parts, &genai.Part{Text: prompt})
	for _, still := range req.Stills {
		mime := still.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: mime, Data: still.Data},
		})
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	var lastErr error
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisCallFailed, err)
		}

		resp, err := g.models.GenerateContent(ctx, g.model, contents, g.config)
		if err != nil {
			lastErr = err
			slog.Warn("generate content failed", "model", g.model, "attempt", attempt, "error", err)
			if attempt < maxGenerateAttempts {
				select {
				case <-time.After(retryBackoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %v", ErrAnalysisCallFailed, ctx.Err())
				}
			}
			continue
		}

		digest, err := ParseDigest([]byte(resp.Text()))
		if err != nil {
			// Malformed output counts against the retry budget like any
			// other transient failure.
			lastErr = err
			continue
		}
		return digest, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAnalysisCallFailed, lastErr)
}

func (g *GeminiAnalyzer) renderPrompt(req *Request) (string, error) {
	example, err := exampleDigest.Marshal()
	if err != nil {
		return "", fmt.Errorf("analysis: marshal example digest: %w", err)
	}
	timestamps := make([]int64, 0, len(req.Stills))
	if req.Kind == "video" {
		for _, s := range req.Stills {
			timestamps = append(timestamps, s.TimestampMS)
		}
	}
	var buf bytes.Buffer
	err = promptTmpl.Execute(&buf, map[string]any{
		"Kind":       req.Kind,
		"Title":      req.Title,
		"FrameCount": len(timestamps),
		"Timestamps": fmt.Sprint(timestamps),
		"Directives": string(req.Params),
		"Example":    string(example),
		"Schema":     SchemaVersion,
	})
	if err != nil {
		return "", fmt.Errorf("analysis: render prompt: %w", err)
	}
	return buf.String(), nil
}
