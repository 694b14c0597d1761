package domain

// statusEdges is the full transition DAG. Exactly these edges are legal;
// anything else is dropped by the reactor.
var statusEdges = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether s is one of the three immutable end states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is an edge of the DAG.
func CanTransition(from, to Status) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status that may legally move to target.
// The reactor feeds the result to EvaluationStore.UpdateIf as the guard set.
func TransitionSources(target Status) []Status {
	var from []Status
	for src, nexts := range statusEdges {
		for _, next := range nexts {
			if next == target {
				from = append(from, src)
				break
			}
		}
	}
	return from
}
