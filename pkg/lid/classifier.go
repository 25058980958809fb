package lid

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// BERTModel names the sub-model that reports raw logits instead of
// probabilities.
const BERTModel = "IndicLID-BERT"

// OtherLabel is assigned to inputs the classifier never saw (blank lines).
const OtherLabel = "other"

const defaultBatchSize = 32

// RawResult is one classifier output as reported by the service.
type RawResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Model string  `json:"model"`
}

// Classifier is the external multi-label language identifier.
type Classifier interface {
	ClassifyBatch(ctx context.Context, texts []string) ([]RawResult, error)
	Health(ctx context.Context) error
}

// Prediction is a normalized classifier output.
type Prediction struct {
	Label       string
	Confidence  float64
	SourceModel string
}

// Adapter chunks requests to a Classifier and normalizes every score into
// a confidence in [0,1].
type Adapter struct {
	classifier Classifier
	batchSize  int
}

// NewAdapter wraps c. batchSize <= 0 uses 32.
func NewAdapter(c Classifier, batchSize int) *Adapter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Adapter{classifier: c, batchSize: batchSize}
}

// Health probes the underlying classifier.
func (a *Adapter) Health(ctx context.Context) error {
	return a.classifier.Health(ctx)
}

// ClassifyBatch returns one prediction per input, in input order. Blank
// inputs are not sent to the classifier and come back as OtherLabel/0.
func (a *Adapter) ClassifyBatch(ctx context.Context, texts []string) ([]Prediction, error) {
	out := make([]Prediction, len(texts))

	var (
		pending []string
		index   []int
	)
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			out[i] = Prediction{Label: OtherLabel}
			continue
		}
		pending = append(pending, trimmed)
		index = append(index, i)
	}

	for start := 0; start < len(pending); start += a.batchSize {
		end := min(start+a.batchSize, len(pending))
		chunk := pending[start:end]

		results, err := a.classifier.ClassifyBatch(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("classify batch of %d: %w", len(chunk), err)
		}
		if len(results) != len(chunk) {
			return nil, fmt.Errorf("classify batch: got %d results for %d texts", len(results), len(chunk))
		}
		for j, r := range results {
			out[index[start+j]] = Prediction{
				Label:       r.Label,
				Confidence:  Normalize(r),
				SourceModel: r.Model,
			}
		}
	}
	return out, nil
}

// Normalize converts a raw score to a confidence. BERT scores are logits and
// go through a sigmoid; everything else is already a probability.
func Normalize(r RawResult) float64 {
	score := r.Score
	if r.Model == BERTModel {
		score = 1 / (1 + math.Exp(-score))
	}
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
