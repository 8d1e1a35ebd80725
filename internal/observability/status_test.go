package observability

import (
	"strings"
	"testing"
	"time"
)

func resetStatus(t *testing.T) {
	t.Helper()
	prev := globalStatus
	globalStatus = newSystemStatus()
	t.Cleanup(func() { globalStatus = prev })
}

func TestSnapshotTracksExecutions(t *testing.T) {
	resetStatus(t)

	BeginExecution("plan-a")
	SetStep("plan-a", "audit", 2)
	SetStep("plan-missing", "x", 1)
	RecordOutcome("COMPLETED")
	RecordOutcome("COMPLETED")
	RecordOutcome("FAILED")

	snap := GetSnapshot()
	if snap.Role != RoleExecutor || len(snap.Active) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if a := snap.Active[0]; a.PlanID != "plan-a" || a.StepID != "audit" || a.Attempt != 2 {
		t.Errorf("unexpected active plan: %+v", a)
	}
	if snap.Completed != 2 || snap.Failed != 1 || snap.Cancelled != 0 {
		t.Errorf("unexpected outcome counts: %+v", snap)
	}

	EndExecution("plan-a")
	snap = GetSnapshot()
	if snap.Role != RoleIdle || len(snap.Active) != 0 {
		t.Errorf("expected idle after EndExecution, got %+v", snap)
	}
}

func TestStatusLine(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Role:          RoleExecutor,
		LastHeartbeat: now.Add(-5 * time.Second),
		Active: []ActivePlan{
			{PlanID: "0f1e2d3c-aaaa-bbbb", StepID: "notify", Attempt: 2},
			{PlanID: "second"},
		},
		Completed: 4,
		Failed:    1,
	}
	line := StatusLine(snap, now)
	for _, want := range []string{"11:59:55", "HEALTHY", "EXECUTING 0f1e2d3c step notify (attempt 2) +1", "completed 4", "failed 1", "cancelled 0"} {
		if !strings.Contains(line, want) {
			t.Errorf("status line missing %q: %q", want, line)
		}
	}

	idle := StatusLine(Snapshot{Role: RoleIdle, LastHeartbeat: now.Add(-2 * time.Minute)}, now)
	if !strings.Contains(idle, "OFFLINE") || !strings.Contains(idle, "IDLE") {
		t.Errorf("unexpected idle line: %q", idle)
	}

	planning := StatusLine(Snapshot{Role: RolePlanner, Task: "Audit my account", LastHeartbeat: now.Add(-50 * time.Second)}, now)
	if !strings.Contains(planning, "LAGGING") || !strings.Contains(planning, "PLANNING Audit my account") {
		t.Errorf("unexpected planning line: %q", planning)
	}
}
