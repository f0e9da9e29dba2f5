package api

import (
	"errors"
	"testing"
	"time"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusCreated, StatusCompleted, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusCompleted, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusCancelled, true},
		{StatusRunning, Status("exploded"), false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusCompleted || s == StatusFailed || s == StatusCancelled
		if s.IsTerminal() != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", s, s.IsTerminal(), want)
		}
	}
}

func TestWorkflowConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := WorkflowConfig{Stages: []string{"context", "plan"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.ExecutionMode != ModeSequential {
		t.Fatalf("expected default mode sequential, got %q", cfg.ExecutionMode)
	}
	if cfg.Priority != PriorityMedium {
		t.Fatalf("expected default priority medium, got %q", cfg.Priority)
	}
}

func TestWorkflowConfig_ValidateRejectsBadInput(t *testing.T) {
	cases := map[string]WorkflowConfig{
		"no stages":      {},
		"empty stage":    {Stages: []string{"context", ""}},
		"duplicate":      {Stages: []string{"plan", "plan"}},
		"bad mode":       {Stages: []string{"plan"}, ExecutionMode: "random"},
		"bad priority":   {Stages: []string{"plan"}, Priority: "urgent"},
		"negative limit": {Stages: []string{"plan"}, TimeoutMs: -1},
		"huge limit":     {Stages: []string{"plan"}, TimeoutMs: MaxTimeoutMs + 1},
	}

	for name, cfg := range cases {
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestWorkflowConfig_TimeoutSaturates(t *testing.T) {
	if got := (WorkflowConfig{TimeoutMs: 1500}).Timeout(); got != 1500*time.Millisecond {
		t.Fatalf("Timeout = %v, want 1.5s", got)
	}
	if got := (WorkflowConfig{TimeoutMs: 1 << 62}).Timeout(); got <= 0 {
		t.Fatalf("Timeout overflowed to %v", got)
	}
}

func TestWorkflow_CloneIsDeep(t *testing.T) {
	start := time.Now()
	wf := &Workflow{
		WorkflowID: "wf-1",
		Config: WorkflowConfig{
			Stages:      []string{"a", "b"},
			RetryPolicy: &RetryPolicy{MaxAttempts: 3},
		},
		ExecutionContext: ExecutionContext{Variables: map[string]any{"k": "v"}},
		ExecutionStatus: ExecutionStatus{
			CompletedStages: []string{"a"},
			StageResults:    map[string]any{"a": 1},
			StartTime:       &start,
		},
		AuditTrail:     []AuditEvent{{Type: EventWorkflowCreated, Data: map[string]any{"x": 1}}},
		VersionHistory: []VersionEntry{{Version: 1}},
	}

	c := wf.Clone()
	c.Config.Stages[0] = "changed"
	c.Config.RetryPolicy.MaxAttempts = 9
	c.ExecutionContext.Variables["k"] = "other"
	c.ExecutionStatus.CompletedStages[0] = "changed"
	c.ExecutionStatus.StageResults["a"] = 2
	*c.ExecutionStatus.StartTime = start.Add(time.Hour)
	c.AuditTrail[0].Data["x"] = 2

	if wf.Config.Stages[0] != "a" || wf.Config.RetryPolicy.MaxAttempts != 3 {
		t.Fatalf("config was shared with clone: %+v", wf.Config)
	}
	if wf.ExecutionContext.Variables["k"] != "v" {
		t.Fatalf("variables were shared with clone")
	}
	if wf.ExecutionStatus.CompletedStages[0] != "a" || wf.ExecutionStatus.StageResults["a"] != 1 {
		t.Fatalf("execution status was shared with clone")
	}
	if !wf.ExecutionStatus.StartTime.Equal(start) {
		t.Fatalf("start time was shared with clone")
	}
	if wf.AuditTrail[0].Data["x"] != 1 {
		t.Fatalf("audit data was shared with clone")
	}
}

func TestWorkflow_Duration(t *testing.T) {
	wf := &Workflow{}
	if _, ok := wf.Duration(); ok {
		t.Fatalf("expected no duration without start/end")
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	wf.ExecutionStatus.StartTime = &start
	wf.ExecutionStatus.EndTime = &end

	d, ok := wf.Duration()
	if !ok || d != 1500*time.Millisecond {
		t.Fatalf("Duration = %v, %v; want 1.5s, true", d, ok)
	}
}

func TestScoreCoordination(t *testing.T) {
	cases := map[int]CoordinationHealth{
		3: CoordinationHealthy,
		2: CoordinationWarning,
		1: CoordinationCritical,
		0: CoordinationCritical,
	}
	for succeeded, want := range cases {
		if got := ScoreCoordination(succeeded, 3); got != want {
			t.Fatalf("ScoreCoordination(%d, 3) = %s, want %s", succeeded, got, want)
		}
	}
}

func TestWorstOf(t *testing.T) {
	if got := WorstOf(nil); got != HealthHealthy {
		t.Fatalf("empty checks: got %s", got)
	}
	warn := []CheckResult{{Status: CheckPass}, {Status: CheckWarn}}
	if got := WorstOf(warn); got != HealthDegraded {
		t.Fatalf("warn: got %s", got)
	}
	fail := []CheckResult{{Status: CheckWarn}, {Status: CheckFail}, {Status: CheckPass}}
	if got := WorstOf(fail); got != HealthUnhealthy {
		t.Fatalf("fail: got %s", got)
	}
}

func TestErrors_Wrapping(t *testing.T) {
	var err error = &InsufficientResourcesError{Dimension: DimensionCPU, Requested: 1500, Available: 16}
	if !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected InsufficientResourcesError to match ErrInsufficientResources")
	}

	stepErr := NewStepError("wf-1", "monitoring", errors.New("down"))
	if !errors.Is(stepErr, ErrCoordinationStepFailure) {
		t.Fatalf("expected StepError to match ErrCoordinationStepFailure")
	}
	var se *StepError
	if !errors.As(stepErr, &se) || se.Step != "monitoring" {
		t.Fatalf("expected errors.As to find StepError, got %v", stepErr)
	}
	if NewStepError("wf-1", "x", nil) != nil {
		t.Fatalf("expected nil StepError for nil cause")
	}

	if !errors.Is(NotFoundf("workflow %s", "wf-9"), ErrNotFound) {
		t.Fatalf("NotFoundf should wrap ErrNotFound")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	var nilPolicy *RetryPolicy
	if nilPolicy.Attempts() != 1 || nilPolicy.Backoff(1) != 0 {
		t.Fatalf("nil policy should mean one attempt without backoff")
	}

	p := Retry(4).WithExponentialBackoff(10*time.Millisecond, 2, 25*time.Millisecond).Policy()
	if p.Attempts() != 4 {
		t.Fatalf("Attempts = %d, want 4", p.Attempts())
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}

	constant := Retry(3).WithConstantBackoff(5 * time.Millisecond).Policy()
	if constant.Backoff(3) != 5*time.Millisecond {
		t.Fatalf("constant backoff grew: %v", constant.Backoff(3))
	}
	if Retry(0).Immediate().Policy().Backoff(1) != 0 {
		t.Fatalf("immediate policy should not wait")
	}
}
