package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/reference"
)

func covered() coverage.Match {
	return coverage.Match{Covered: true, PerRef: map[reference.Ref][]int{1: {2}}}
}

func partial() coverage.Match {
	return coverage.Match{PerRef: map[reference.Ref][]int{1: {2}, 2: {}}}
}

func uncovered() coverage.Match {
	return coverage.Match{PerRef: map[reference.Ref][]int{1: {}}}
}

func warning() coverage.ImbalanceReport {
	s := coverage.Skew{Ref: 1, Primary: 5, Secondary: 1}
	return coverage.ImbalanceReport{Skews: []coverage.Skew{s}, Exceeded: []coverage.Skew{s}}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Verdict
	}{
		{"covered", Input{Match: covered()}, Pass},
		{"covered with imbalance", Input{Match: covered(), Imbalance: warning()}, WarnImbalance},
		{"nothing covered", Input{Match: uncovered()}, FailMissing},
		{"nothing covered exact", Input{Match: uncovered(), RequireExact: true}, FailMissing},
		{"partial superset", Input{Match: partial()}, FailMissing},
		{"partial exact", Input{Match: partial(), RequireExact: true}, FailMismatch},
		{"imbalance ignored on failure", Input{Match: uncovered(), Imbalance: warning()}, FailMissing},
		{"override supersedes failure", Input{Match: uncovered(), Override: override.Granted}, PassOverride},
		{"override supersedes mismatch", Input{Match: partial(), RequireExact: true, Override: override.Granted}, PassOverride},
		{"override irrelevant when covered", Input{Match: covered(), Override: override.Granted}, Pass},
		{"pending justification stays blocked", Input{Match: uncovered(), Override: override.PendingJustification}, FailMissing},
		{"rejected override stays blocked", Input{Match: uncovered(), Override: override.RejectedUnauthorized}, FailMissing},
		{"in-flight sibling", Input{InFlightSiblings: []int{4}, Match: covered()}, Pending},
		{"override never supersedes pending", Input{InFlightSiblings: []int{4}, Match: uncovered(), Override: override.Granted}, Pending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
		})
	}
}

func TestVerdict_Classes(t *testing.T) {
	tests := []struct {
		v     Verdict
		class Class
		merge bool
	}{
		{Pass, ClassValidated, true},
		{PassOverride, ClassValidated, true},
		{WarnImbalance, ClassWarning, true},
		{FailMissing, ClassBlocked, false},
		{FailMismatch, ClassBlocked, false},
		{Pending, ClassBlocked, false},
	}
	for _, tt := range tests {
		t.Run(tt.v.String(), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.v.Class())
			assert.Equal(t, tt.merge, tt.v.MergePermitted())
			assert.True(t, tt.v.Valid())
		})
	}
	assert.False(t, Verdict("MAYBE").Valid())
	assert.True(t, FailMismatch.Failed())
	assert.False(t, Pending.Failed())
}
