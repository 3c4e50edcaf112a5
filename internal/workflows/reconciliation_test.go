package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/covergate/internal/reconcile"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

func testInput() ReconciliationInput {
	return ReconciliationInput{
		Owner:            "acme",
		Repo:             "widgets",
		PRNumber:         7,
		PreviousText:     "Fixes #10",
		DeliveryID:       "d-1",
		MaxPendingReruns: 2,
		PendingBackoff:   15 * time.Second,
		PassTimeout:      time.Minute,
	}
}

func converged() *PassSummary {
	return &PassSummary{PassID: "p", Gate: "pass", Verdicts: map[int]string{7: "PASS"}, Applied: true}
}

func pending() *PassSummary {
	return &PassSummary{PassID: "p", Gate: "blocked", Verdicts: map[int]string{7: "PENDING"}, Pending: true, Applied: true}
}

// TestReconciliationWorkflow tests the pass loop of the reconciliation workflow.
func TestReconciliationWorkflow(t *testing.T) {
	var a *Activities

	t.Run("converges on the first pass", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		env.OnActivity(a.ReconcilePullRequest, mock.Anything, mock.Anything).Return(converged(), nil).Once()

		env.ExecuteWorkflow(ReconciliationWorkflow, testInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ReconciliationResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Converged)
		assert.Len(t, result.Passes, 1)
		assert.Zero(t, result.Reruns)
		last, ok := result.Last()
		require.True(t, ok)
		assert.Equal(t, "pass", last.Gate)
		env.AssertExpectations(t)
	})

	t.Run("reruns while a sibling is pending", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		var mu sync.Mutex
		var inputs []PassInput
		env.OnActivity(a.ReconcilePullRequest, mock.Anything, mock.Anything).Return(
			func(_ context.Context, in PassInput) (*PassSummary, error) {
				mu.Lock()
				defer mu.Unlock()
				inputs = append(inputs, in)
				if len(inputs) < 3 {
					return pending(), nil
				}
				return converged(), nil
			})

		env.ExecuteWorkflow(ReconciliationWorkflow, testInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ReconciliationResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Converged)
		assert.Equal(t, 2, result.Reruns)
		require.Len(t, inputs, 3)
		assert.Equal(t, "Fixes #10", inputs[0].PreviousText, "first pass carries the previous text")
		assert.Empty(t, inputs[1].PreviousText)
		assert.Equal(t, 2, inputs[2].Attempt)
	})

	t.Run("bounded pending reruns", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		env.OnActivity(a.ReconcilePullRequest, mock.Anything, mock.Anything).Return(pending(), nil)

		env.ExecuteWorkflow(ReconciliationWorkflow, testInput())

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ReconciliationResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.False(t, result.Converged)
		assert.Len(t, result.Passes, 3)
		assert.Equal(t, 2, result.Reruns)
	})

	t.Run("no reruns configured", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		env.OnActivity(a.ReconcilePullRequest, mock.Anything, mock.Anything).Return(pending(), nil).Once()

		in := testInput()
		in.MaxPendingReruns = 0
		env.ExecuteWorkflow(ReconciliationWorkflow, in)

		require.NoError(t, env.GetWorkflowError())
		var result ReconciliationResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Len(t, result.Passes, 1)
		assert.False(t, result.Converged)
	})

	t.Run("configuration error is not retried", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		cfgErr := classifyPassError(&reconcile.ConfigError{Field: "branches", Err: errors.New(`branch "release" does not exist`)})
		env.OnActivity(a.ReconcilePullRequest, mock.Anything, mock.Anything).Return(nil, cfgErr).Once()

		env.ExecuteWorkflow(ReconciliationWorkflow, testInput())

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeConfiguration, appErr.Type())
		env.AssertExpectations(t)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ReconciliationWorkflow)

		in := testInput()
		in.PRNumber = 0
		env.ExecuteWorkflow(ReconciliationWorkflow, in)

		err := env.GetWorkflowError()
		require.Error(t, err)
		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeInvalidInput, appErr.Type())
	})
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Reconcile(ctx context.Context, trigger reconcile.Trigger) (*reconcile.Result, error) {
	args := m.Called(ctx, trigger)
	res, _ := args.Get(0).(*reconcile.Result)
	return res, args.Error(1)
}

func TestReconcilePullRequestActivity(t *testing.T) {
	t.Run("summarizes the pass", func(t *testing.T) {
		m := &mockReconciler{}
		m.On("Reconcile", mock.Anything, reconcile.Trigger{Number: 7, PreviousText: "Fixes #10"}).Return(&reconcile.Result{
			PassID:  "pass-1",
			Trigger: 7,
			Outcomes: map[int]*reconcile.Outcome{
				7: {Number: 7, Verdict: verdict.Pass},
				8: {Number: 8, Verdict: verdict.Pending},
			},
			Plan:    &reconcile.Plan{Mutations: []reconcile.Mutation{{Kind: reconcile.MutationAddLabel, Number: 7, Label: "coverage/validated"}}},
			Applied: true,
		}, nil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		acts := NewActivities(m, "acme/widgets", nil)
		env.RegisterActivity(acts)

		val, err := env.ExecuteActivity(acts.ReconcilePullRequest, PassInput{PRNumber: 7, PreviousText: "Fixes #10"})
		require.NoError(t, err)

		var summary PassSummary
		require.NoError(t, val.Get(&summary))
		assert.Equal(t, "pass-1", summary.PassID)
		assert.Equal(t, "pass", summary.Gate)
		assert.True(t, summary.Pending)
		assert.True(t, summary.Applied)
		assert.Equal(t, 1, summary.Mutations)
		assert.Equal(t, map[int]string{7: "PASS", 8: "PENDING"}, summary.Verdicts)
		m.AssertExpectations(t)
	})

	t.Run("configuration errors are non-retryable", func(t *testing.T) {
		m := &mockReconciler{}
		m.On("Reconcile", mock.Anything, mock.Anything).Return(nil, &reconcile.ConfigError{Field: "pr", Err: errors.New("not found")})

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		acts := NewActivities(m, "acme/widgets", nil)
		env.RegisterActivity(acts)

		_, err := env.ExecuteActivity(acts.ReconcilePullRequest, PassInput{PRNumber: 7})
		require.Error(t, err)
		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeConfiguration, appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})

	t.Run("infrastructure errors stay retryable", func(t *testing.T) {
		m := &mockReconciler{}
		m.On("Reconcile", mock.Anything, mock.Anything).Return(nil, &reconcile.InfraError{Op: "list candidates", Err: errors.New("502")})

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		acts := NewActivities(m, "acme/widgets", nil)
		env.RegisterActivity(acts)

		_, err := env.ExecuteActivity(acts.ReconcilePullRequest, PassInput{PRNumber: 7})
		require.Error(t, err)
		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeInfrastructure, appErr.Type())
		assert.False(t, appErr.NonRetryable())
	})
}

func TestClassifyPassError(t *testing.T) {
	assert.NoError(t, classifyPassError(nil))

	plain := errors.New("boom")
	assert.Equal(t, plain, classifyPassError(plain))

	err := classifyPassError(&reconcile.ConfigError{Field: "branches", Err: errors.New("missing")})
	var wfErr *WorkflowError
	require.True(t, errors.As(err, &wfErr))
	assert.Equal(t, ErrorSeverityCritical, wfErr.Severity)
	assert.ErrorIs(t, err, reconcile.ErrConfiguration)
}

func TestReconciliationInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ReconciliationInput)
		wantErr string
	}{
		{"valid", func(*ReconciliationInput) {}, ""},
		{"missing owner", func(i *ReconciliationInput) { i.Owner = "" }, "Owner is required"},
		{"missing repo", func(i *ReconciliationInput) { i.Repo = "" }, "Repo is required"},
		{"bad number", func(i *ReconciliationInput) { i.PRNumber = -1 }, "PRNumber must be positive"},
		{"negative reruns", func(i *ReconciliationInput) { i.MaxPendingReruns = -1 }, "MaxPendingReruns"},
		{"negative backoff", func(i *ReconciliationInput) { i.PendingBackoff = -time.Second }, "PendingBackoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.modify(&in)
			err := in.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "coverage-acme-widgets-pr-7", WorkflowID("acme", "widgets", 7))
}
