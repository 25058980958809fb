package lid

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultModelTag identifies the classifier in stored results.
const DefaultModelTag = "IndicLID"

// Aggregator turns a whole text into a label -> confidence mapping over the
// target label set.
type Aggregator struct {
	adapter  *Adapter
	targets  map[string]bool
	modelTag string
}

// NewAggregator builds an aggregator tracking targets.
func NewAggregator(adapter *Adapter, targets []string, modelTag string) *Aggregator {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	if modelTag == "" {
		modelTag = DefaultModelTag
	}
	return &Aggregator{adapter: adapter, targets: set, modelTag: modelTag}
}

// ModelTag is the identifier recorded alongside the aggregated confidences.
func (a *Aggregator) ModelTag() string { return a.modelTag }


// Aggregate classifies text. When the whole text is already identified as a
// target label that single result is returned. Otherwise every non-empty
// line is classified and each target label keeps the maximum confidence seen
// on any line, so one strong line in a mixed-language text is enough.
func (a *Aggregator) Aggregate(ctx context.Context, text string) (map[string]float64, error) {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return map[string]float64{}, nil
	}

	whole, err := a.adapter.ClassifyBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if p := whole[0]; a.targets[p.Label] {
		return map[string]float64{p.Label: p.Confidence}, nil
	}

	lines := SplitLines(text)
	if len(lines) == 0 {
		return map[string]float64{}, nil
	}
	preds, err := a.adapter.ClassifyBatch(ctx, lines)
	if err != nil {
		return nil, err
	}
	return MaxByLabel(preds, a.targets), nil
}

// MaxByLabel keeps, for every target label, the highest confidence among
// preds. Non-target labels are dropped.
func MaxByLabel(preds []Prediction, targets map[string]bool) map[string]float64 {
	out := map[string]float64{}
	for _, p := range preds {
		if !targets[p.Label] {
			continue
		}
		if cur, ok := out[p.Label]; !ok || p.Confidence > cur {
			out[p.Label] = p.Confidence
		}
	}
	return out
}

// SplitLines returns the trimmed, non-empty lines of text.
func SplitLines(text string) []string {
	var lines []string
	for _, ln := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	return lines
}
