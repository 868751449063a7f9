package incident

var transitions = map[Status][]Status{
	StatusDetected:      {StatusInvestigating, StatusRemediating, StatusResolved, StatusEscalated},
	StatusInvestigating: {StatusRemediating, StatusResolved, StatusEscalated},
	StatusRemediating:   {StatusInvestigating, StatusResolved, StatusEscalated},
	StatusEscalated:     {StatusResolved, StatusEscalated},
	StatusResolved:      nil,
}

// CanTransition reports whether from → to is a legal lifecycle step.
// ESCALATED → ESCALATED is legal and handled as a no-op by the Manager.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether a sequence of statuses, starting at DETECTED, only
// takes legal steps.
func ValidPath(path []Status) bool {
	if len(path) == 0 {
		return true
	}
	if path[0] != StatusDetected {
		return false
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			return false
		}
	}
	return true
}
