package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaVersion identifies the digest shape produced by the current prompt.
// Bumping it must flow into fingerprint params so cached digests from older
// schemas are never served against the new one.
const SchemaVersion = "1"

// Digest is the structured output of the external vision model for one piece
// of media. The shape is versioned and serializable; consumers downstream
// treat it as opaque beyond that.
type Digest struct {
	SchemaVersion        string   `json:"schema_version"`
	Summary              string   `json:"summary"`
	TargetAudience       string   `json:"target_audience"`
	EmotionalHooks       []string `json:"emotional_hooks"`
	PersuasionTechniques []string `json:"persuasion_techniques"`
	CallToAction         string   `json:"call_to_action"`
	NarrativeArc         string   `json:"narrative_arc,omitempty"`
}

// exampleDigest is embedded in the prompt so the model sees a complete,
// well-formed response shape (few-shot prompting).
var exampleDigest = Digest{
	SchemaVersion:        SchemaVersion,
	Summary:              "A 30-second spot building urgency around a limited-time offer.",
	TargetAudience:       "Budget-conscious parents of young children",
	EmotionalHooks:       []string{"fear of missing out", "family belonging"},
	PersuasionTechniques: []string{"scarcity", "social proof"},
	CallToAction:         "Scan the QR code before the weekend",
	NarrativeArc:         "problem, escalation, relief through product",
}

// ParseDigest decodes a model response into a Digest. Models occasionally
// wrap JSON in markdown fences even when asked for raw JSON, so fences are
// stripped first.
func ParseDigest(raw []byte) (*Digest, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var d Digest
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return nil, fmt.Errorf("analysis: parse digest: %w", err)
	}
	if d.Summary == "" {
		return nil, fmt.Errorf("analysis: parse digest: missing summary")
	}
	if d.SchemaVersion == "" {
		d.SchemaVersion = SchemaVersion
	}
	return &d, nil
}

// Marshal renders the digest for storage in the job record and cache.
func (d *Digest) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
