package coverage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/reference"
)

var (
	testBranches  = Branches{Primary: "main", Secondary: "release"}
	testExtractor = reference.MustExtractor("#")
)

func pr(number int, branch string, state platform.State, title string) *platform.PullRequest {
	return &platform.PullRequest{Number: number, Branch: branch, State: state, Title: title}
}

func refs(values ...int) reference.Set {
	s := make(reference.Set)
	for _, v := range values {
		s.Add(reference.Ref(v))
	}
	return s
}

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		state  platform.State
		want   bool
	}{
		{"open always", Filter{}, platform.StateOpen, true},
		{"draft excluded", Filter{}, platform.StateDraft, false},
		{"draft included", Filter{IncludeDrafts: true}, platform.StateDraft, true},
		{"closed excluded", Filter{IncludeMerged: true}, platform.StateClosed, false},
		{"closed included", Filter{IncludeClosed: true}, platform.StateClosed, true},
		{"merged excluded", Filter{IncludeClosed: true}, platform.StateMerged, false},
		{"merged included", Filter{IncludeMerged: true}, platform.StateMerged, true},
		{"unknown state", Filter{IncludeDrafts: true, IncludeClosed: true, IncludeMerged: true}, platform.State("weird"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Allows(tt.state))
		})
	}
}

func TestBranches(t *testing.T) {
	require.NoError(t, testBranches.Validate())
	assert.Error(t, Branches{Primary: "main"}.Validate())
	assert.Error(t, Branches{Primary: "main", Secondary: "main"}.Validate())

	other, ok := testBranches.Other("main")
	assert.True(t, ok)
	assert.Equal(t, "release", other)
	_, ok = testBranches.Other("feature")
	assert.False(t, ok)
}

func TestNewIndex_DropsUnmonitoredAndUnreferenced(t *testing.T) {
	ix := NewIndex(testExtractor, testBranches, Filter{}, []*platform.PullRequest{
		pr(1, "main", platform.StateOpen, "Fix #10"),
		pr(2, "feature", platform.StateOpen, "Fix #10"),
		pr(3, "release", platform.StateOpen, "No reference"),
		pr(4, "release", platform.StateOpen, "Backport #10"),
	})

	assert.Equal(t, 2, ix.Len())
	_, ok := ix.Entry(2)
	assert.False(t, ok)
	_, ok = ix.Entry(3)
	assert.False(t, ok)
}

func TestNewIndex_LaterCopyWins(t *testing.T) {
	ix := NewIndex(testExtractor, testBranches, Filter{}, []*platform.PullRequest{
		pr(1, "main", platform.StateOpen, "Fix #10"),
		pr(1, "main", platform.StateOpen, "Fix #11"),
	})
	e, ok := ix.Entry(1)
	require.True(t, ok)
	assert.True(t, refs(11).Equal(e.Refs))

	ix = NewIndex(testExtractor, testBranches, Filter{}, []*platform.PullRequest{
		pr(1, "main", platform.StateOpen, "Fix #10"),
		pr(1, "main", platform.StateOpen, "Reference removed"),
	})
	_, ok = ix.Entry(1)
	assert.False(t, ok)
}

func TestIndex_GroupAppliesFilter(t *testing.T) {
	ix := NewIndex(testExtractor, testBranches, Filter{IncludeMerged: true}, []*platform.PullRequest{
		pr(1, "main", platform.StateOpen, "Fix #1"),
		pr(2, "release", platform.StateDraft, "Backport #1"),
		pr(3, "release", platform.StateClosed, "Backport #1"),
		pr(4, "release", platform.StateMerged, "Backport #1"),
		pr(5, "release", platform.StateOpen, "Unrelated #2"),
	})

	g := ix.Group(refs(1))
	assert.Len(t, g.Branch("main"), 1)
	release := g.Branch("release")
	require.Len(t, release, 1)
	assert.Equal(t, 4, release[0].Number())

	// Related ignores the filter.
	assert.Len(t, ix.Related(refs(1)), 4)
}

func TestPolicy_ExactMatchLaw(t *testing.T) {
	policy := Policy{RequireExact: true, Strategy: StrategyDistributed}
	subject := refs(1, 2)

	tests := []struct {
		name      string
		candidate reference.Set
		covered   bool
	}{
		{"identical set", refs(1, 2), true},
		{"subset", refs(1), false},
		{"superset", refs(1, 2, 3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := policy.Evaluate(subject, []*Entry{{PR: pr(9, "release", platform.StateOpen, ""), Refs: tt.candidate}})
			assert.Equal(t, tt.covered, m.Covered)
			assert.True(t, m.AnyCoverage())
		})
	}
}

func TestPolicy_ExactMatchLaw_SiblingWithExtraReference(t *testing.T) {
	entry := func(n int, values ...int) *Entry {
		return &Entry{PR: pr(n, "release", platform.StateOpen, ""), Refs: refs(values...)}
	}
	policy := Policy{RequireExact: true, Strategy: StrategyDistributed}

	m := policy.Evaluate(refs(1), []*Entry{entry(7, 1), entry(8, 1, 2)})
	assert.True(t, m.Covered, "an exact candidate covers regardless of its siblings")
	assert.Equal(t, []int{7}, m.CoveredBy)
	assert.True(t, m.Extra.Empty())

	m = policy.Evaluate(refs(1, 2), []*Entry{entry(7, 1), entry(8, 2), entry(9, 2, 3)})
	assert.True(t, m.Covered, "subset candidates together equal the subject")
	assert.Equal(t, []int{7, 8}, m.CoveredBy)

	m = policy.Evaluate(refs(1), []*Entry{entry(8, 1, 2)})
	assert.False(t, m.Covered)
	assert.True(t, refs(2).Equal(m.Extra))
	assert.True(t, m.Missing.Empty())
}

func TestPolicy_SupersetLaw(t *testing.T) {
	policy := Policy{Strategy: StrategyDistributed}
	m := policy.Evaluate(refs(1, 2), []*Entry{{PR: pr(9, "release", platform.StateOpen, ""), Refs: refs(1, 2, 3)}})

	assert.True(t, m.Covered)
	assert.True(t, m.Missing.Empty())
	assert.True(t, refs(3).Equal(m.Extra))
	assert.Equal(t, []int{9}, m.CoveredBy)
}

func TestPolicy_DistributedCoverage(t *testing.T) {
	candidates := []*Entry{
		{PR: pr(7, "release", platform.StateOpen, ""), Refs: refs(1)},
		{PR: pr(8, "release", platform.StateOpen, ""), Refs: refs(2)},
	}

	for _, exact := range []bool{false, true} {
		t.Run(fmt.Sprintf("exact=%v", exact), func(t *testing.T) {
			m := Policy{RequireExact: exact, Strategy: StrategyDistributed}.Evaluate(refs(1, 2), candidates)
			assert.True(t, m.Covered)
			assert.Equal(t, []int{7, 8}, m.CoveredBy)
			assert.Equal(t, []int{7}, m.PerRef[1])
			assert.Equal(t, []int{8}, m.PerRef[2])
		})
	}

	t.Run("single strategy needs one pull request", func(t *testing.T) {
		m := Policy{Strategy: StrategySingle}.Evaluate(refs(1, 2), candidates)
		assert.False(t, m.Covered)
		assert.True(t, m.Missing.Empty())
		assert.True(t, m.AnyCoverage())
	})
}

func TestPolicy_PartialAndMissing(t *testing.T) {
	policy := Policy{Strategy: StrategyDistributed}

	m := policy.Evaluate(refs(1, 2), []*Entry{{PR: pr(7, "release", platform.StateOpen, ""), Refs: refs(1)}})
	assert.False(t, m.Covered)
	assert.True(t, m.AnyCoverage())
	assert.True(t, refs(2).Equal(m.Missing))

	m = policy.Evaluate(refs(1, 2), nil)
	assert.False(t, m.Covered)
	assert.False(t, m.AnyCoverage())
	assert.True(t, refs(1, 2).Equal(m.Missing))

	// Candidates that share nothing with the subject never contribute.
	m = policy.Evaluate(refs(1), []*Entry{{PR: pr(7, "release", platform.StateOpen, ""), Refs: refs(5)}})
	assert.False(t, m.Covered)
	assert.True(t, m.Extra.Empty())
}

func TestPolicy_DraftExcludedEvenWithExactMatch(t *testing.T) {
	ix := NewIndex(testExtractor, testBranches, Filter{IncludeDrafts: false}, []*platform.PullRequest{
		pr(1, "main", platform.StateOpen, "Fix #1"),
		pr(2, "release", platform.StateDraft, "Backport #1"),
	})
	subject, _ := ix.Entry(1)
	g := ix.Group(subject.Refs)

	m := Policy{RequireExact: true}.Evaluate(subject.Refs, g.Branch("release"))
	assert.False(t, m.Covered)
	assert.False(t, m.AnyCoverage())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDistributed, s)

	s, err = ParseStrategy("single")
	require.NoError(t, err)
	assert.Equal(t, StrategySingle, s)

	_, err = ParseStrategy("any")
	assert.Error(t, err)
}

func TestImbalanceRule_AdvisoryFiveVsOne(t *testing.T) {
	prs := []*platform.PullRequest{pr(100, "release", platform.StateOpen, "Backport #1")}
	for i := 1; i <= 5; i++ {
		prs = append(prs, pr(i, "main", platform.StateOpen, "Part of #1"))
	}
	ix := NewIndex(testExtractor, testBranches, Filter{}, prs)
	subject, _ := ix.Entry(1)
	g := ix.Group(subject.Refs)

	rep := ImbalanceRule{MaxImbalance: 1}.Evaluate(subject, g, testBranches)
	require.Len(t, rep.Skews, 1)
	assert.Equal(t, Skew{Ref: 1, Primary: 5, Secondary: 1}, rep.Skews[0])
	assert.Equal(t, 4, rep.Skews[0].Imbalance())
	assert.True(t, rep.Warn())

	rep = ImbalanceRule{MaxImbalance: 4}.Evaluate(subject, g, testBranches)
	assert.False(t, rep.Warn())
}

func TestImbalanceRule_SubjectAlwaysCounts(t *testing.T) {
	ix := NewIndex(testExtractor, testBranches, Filter{}, []*platform.PullRequest{
		pr(1, "main", platform.StateDraft, "Fix #1"),
		pr(2, "release", platform.StateOpen, "Backport #1"),
	})
	subject, _ := ix.Entry(1)
	rep := ImbalanceRule{}.Evaluate(subject, ix.Group(subject.Refs), testBranches)

	require.Len(t, rep.Skews, 1)
	assert.Equal(t, 1, rep.Skews[0].Primary)
	assert.Equal(t, 1, rep.Skews[0].Secondary)
	assert.False(t, rep.Warn())
}

func TestImbalanceRule_Validate(t *testing.T) {
	assert.NoError(t, ImbalanceRule{MaxImbalance: 0}.Validate())
	assert.Error(t, ImbalanceRule{MaxImbalance: -1}.Validate())
}
