package coverage

import (
	"fmt"

	"github.com/fyrsmithlabs/covergate/internal/reference"
)

// ImbalanceRule is the advisory branch-count skew threshold.
type ImbalanceRule struct {
	// MaxImbalance is the largest tolerated |primary - secondary| per reference.
	MaxImbalance int
	// WarnOnly is accepted for configuration compatibility. Imbalance is always
	// advisory; the flag only changes how the warning is worded.
	WarnOnly bool
}

// Validate rejects negative thresholds.
func (r ImbalanceRule) Validate() error {
	if r.MaxImbalance < 0 {
		return fmt.Errorf("max_imbalance must be >= 0, got %d", r.MaxImbalance)
	}
	return nil
}

// Skew is the per-reference count of pull requests on each line.
type Skew struct {
	Ref       reference.Ref `json:"ref"`
	Primary   int           `json:"primary"`
	Secondary int           `json:"secondary"`
}

// Imbalance returns |Primary - Secondary|.
func (s Skew) Imbalance() int {
	d := s.Primary - s.Secondary
	if d < 0 {
		return -d
	}
	return d
}

// ImbalanceReport is the result of evaluating one subject pull request.
type ImbalanceReport struct {
	Skews    []Skew `json:"skews"`
	Exceeded []Skew `json:"exceeded,omitempty"`
}

// Warn reports whether any reference exceeds the threshold.
func (r ImbalanceReport) Warn() bool {
	return len(r.Exceeded) > 0
}

// Evaluate computes per-reference counts for subject within g. The subject
// always counts towards its own branch, even if the state filter excludes it.
func (r ImbalanceRule) Evaluate(subject *Entry, g *Group, branches Branches) ImbalanceReport {
	var rep ImbalanceReport
	ownInBucket := g.Contains(subject.PR.Branch, subject.Number())

	for _, ref := range subject.Refs.Sorted() {
		s := Skew{
			Ref:       ref,
			Primary:   g.Count(branches.Primary, ref),
			Secondary: g.Count(branches.Secondary, ref),
		}
		if !ownInBucket {
			if subject.PR.Branch == branches.Primary {
				s.Primary++
			} else {
				s.Secondary++
			}
		}
		rep.Skews = append(rep.Skews, s)
		if s.Imbalance() > r.MaxImbalance {
			rep.Exceeded = append(rep.Exceeded, s)
		}
	}
	return rep
}
