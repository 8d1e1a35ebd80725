package plan

// DeriveStatus computes a plan's status from its steps. The first step that
// is not COMPLETED decides the outcome: a FAILED step fails the plan, a
// PENDING or RUNNING step keeps it RUNNING. A plan nobody has touched yet
// stays PENDING, and one with no unfinished steps is COMPLETED.
func DeriveStatus(steps []Step) Status {
	if len(steps) == 0 {
		return StatusPending
	}
	untouched := true
	for _, s := range steps {
		if s.Status != StatusPending || s.Attempts > 0 {
			untouched = false
			break
		}
	}
	if untouched {
		return StatusPending
	}
	for _, s := range steps {
		switch s.Status {
		case StatusCompleted:
			continue
		case StatusFailed:
			return StatusFailed
		default:
			return StatusRunning
		}
	}
	return StatusCompleted
}

// Refresh recomputes p.Status unless the plan was cancelled.
func (p *Plan) Refresh() Status {
	if p.Status == StatusCancelled {
		return p.Status
	}
	p.Status = DeriveStatus(p.Steps)
	return p.Status
}

// Counts tallies steps per status.
func (p *Plan) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}
