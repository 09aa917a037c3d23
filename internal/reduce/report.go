package reduce

import "sort"

// Status of one target within a batch.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusConflict  = "conflict"
	StatusDryRun    = "dry-run"
)

// Outcome is the result of one recipe invocation within a batch.
type Outcome struct {
	Recipe   string `json:"recipe"`
	Target   string `json:"target"`
	Status   string `json:"status"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Products int    `json:"products,omitempty"`
}

// BatchReport collects per-target outcomes of one batch. A failing target
// never aborts the batch; it is reported here instead.
type BatchReport struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r *BatchReport) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Sort orders outcomes by recipe then target, for stable presentation.
func (r *BatchReport) Sort() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		a, b := r.Outcomes[i], r.Outcomes[j]
		if a.Recipe != b.Recipe {
			return a.Recipe < b.Recipe
		}
		return a.Target < b.Target
	})
}

// Count returns how many outcomes carry the given status.
func (r *BatchReport) Count(status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failed reports whether any target failed.
func (r *BatchReport) Failed() bool {
	return r.Count(StatusFailed) > 0
}
