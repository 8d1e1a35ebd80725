package observability

import (
	"sort"
	"sync"
	"time"
)

type Role string

const (
	RoleIdle     Role = "IDLE"
	RolePlanner  Role = "PLANNING"
	RoleExecutor Role = "EXECUTING"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentRole   Role
	ActiveTask    string
	LastHeartbeat time.Time
	executions    map[string]*execution
	outcomes      map[string]int
}

type execution struct {
	started time.Time
	stepID  string
	attempt int
}

// ActivePlan is one plan running in this process.
type ActivePlan struct {
	PlanID  string
	StepID  string
	Attempt int
	Since   time.Time
}

// Snapshot is a consistent view of the process status.
type Snapshot struct {
	Role          Role
	Task          string
	LastHeartbeat time.Time
	Active        []ActivePlan
	Completed     int
	Failed        int
	Cancelled     int
}

var globalStatus = newSystemStatus()

func newSystemStatus() *SystemStatus {
	return &SystemStatus{
		CurrentRole:   RoleIdle,
		LastHeartbeat: time.Now(),
		executions:    make(map[string]*execution),
		outcomes:      make(map[string]int),
	}
}

// SetStatus updates the global system status.
func SetStatus(role Role, task string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentRole = role
	globalStatus.ActiveTask = task
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (Role, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentRole, globalStatus.ActiveTask, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}

// BeginExecution marks a plan as running in this process.
func BeginExecution(planID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.executions[planID] = &execution{started: time.Now()}
	globalStatus.CurrentRole = RoleExecutor
	globalStatus.ActiveTask = planID
}

// EndExecution clears a plan started with BeginExecution.
func EndExecution(planID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	delete(globalStatus.executions, planID)
	if len(globalStatus.executions) == 0 {
		globalStatus.CurrentRole = RoleIdle
		globalStatus.ActiveTask = ""
	} else if globalStatus.ActiveTask == planID {
		for id := range globalStatus.executions {
			globalStatus.ActiveTask = id
			break
		}
	}
}

// ActiveExecutions returns how many plans are running in this process.
func ActiveExecutions() int {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return len(globalStatus.executions)
}

// ActivePlans lists the running plan ids, oldest first.
func ActivePlans() []string {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	ids := make([]string, 0, len(globalStatus.executions))
	for id := range globalStatus.executions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return globalStatus.executions[ids[i]].started.Before(globalStatus.executions[ids[j]].started)
	})
	return ids
}

// SetStep records the step a running plan is on.
func SetStep(planID, stepID string, attempt int) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if e, ok := globalStatus.executions[planID]; ok {
		e.stepID = stepID
		e.attempt = attempt
	}
}

// RecordOutcome counts a plan reaching a terminal status.
func RecordOutcome(status string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.outcomes[status]++
}

// GetSnapshot returns the full process status.
func GetSnapshot() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	snap := Snapshot{
		Role:          globalStatus.CurrentRole,
		Task:          globalStatus.ActiveTask,
		LastHeartbeat: globalStatus.LastHeartbeat,
		Completed:     globalStatus.outcomes["COMPLETED"],
		Failed:        globalStatus.outcomes["FAILED"],
		Cancelled:     globalStatus.outcomes["CANCELLED"],
	}
	for id, e := range globalStatus.executions {
		snap.Active = append(snap.Active, ActivePlan{PlanID: id, StepID: e.stepID, Attempt: e.attempt, Since: e.started})
	}
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].Since.Before(snap.Active[j].Since) })
	return snap
}
