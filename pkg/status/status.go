package status

import (
	"fmt"
	"sort"
)

// Status is the derived decision for an item.
type Status string

const (
	Pending Status = "pending"
	Add     Status = "add"
	Review  Status = "review"
	Skip    Status = "skip"
)

// NoLabel is the primary label reported for an empty confidence mapping.
const NoLabel = "other"

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, Add, Review, Skip:
		return true
	}
	return false
}

// Parse converts a stored or user-supplied string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Thresholds configures the accept/review cut-offs. All values are in [0,1].
type Thresholds struct {
	AutoAdd   float64 `json:"auto_add"`
	ReviewMin float64 `json:"review_min"`
	ReviewMax float64 `json:"review_max"`
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoAdd: 0.8, ReviewMin: 0.4, ReviewMax: 0.7}
}

// Validate checks ranges and ordering.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"auto_add":   t.AutoAdd,
		"review_min": t.ReviewMin,
		"review_max": t.ReviewMax,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s=%v outside [0,1]", name, v)
		}
	}
	if t.ReviewMin > t.ReviewMax {
		return fmt.Errorf("review_min %v greater than review_max %v", t.ReviewMin, t.ReviewMax)
	}
	return nil
}

// Resolution is the outcome of applying thresholds to a confidence mapping.
type Resolution struct {
	Status            Status
	PrimaryLabel      string
	PrimaryConfidence float64
	// Labels lists the mapping's keys in descending confidence order.
	Labels []string
}

// Resolve derives status and primary label from a label -> confidence mapping.
//
// The add condition is evaluated before the review condition, so a mapping
// where one label clears auto_add and another only sits in the review band
// resolves to Add.
func Resolve(confidences map[string]float64, t Thresholds) Resolution {
	res := Resolution{
		Status:       Skip,
		PrimaryLabel: NoLabel,
		Labels:       RankLabels(confidences),
	}
	if len(confidences) == 0 {
		return res
	}

	res.PrimaryLabel = res.Labels[0]
	res.PrimaryConfidence = confidences[res.PrimaryLabel]

	add, review := false, false
	for _, c := range confidences {
		if c >= t.AutoAdd {
			add = true
		}
		if c >= t.ReviewMin && c <= t.ReviewMax {
			review = true
		}
	}
	switch {
	case add:
		res.Status = Add
	case review:
		res.Status = Review
	}
	return res
}

// RankLabels returns the keys of confidences ordered by descending
// confidence, ties broken by label code.
func RankLabels(confidences map[string]float64) []string {
	labels := make([]string, 0, len(confidences))
	for label := range confidences {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := confidences[labels[i]], confidences[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	return labels
}
