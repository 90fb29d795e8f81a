package lease

// allowedTransitions is the full transition matrix. A state mapped to an empty
// set is terminal. A lease may be torn down from any live state; FAILED is not
// terminal because the VM and CI node still need cleanup.
var allowedTransitions = map[State][]State{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateBooting, StateFailed},
	StateBooting:      {StateConnected, StateTerminating, StateFailed},
	StateConnected:    {StateRunning, StateTerminating, StateFailed},
	StateRunning:      {StateTerminating, StateFailed},
	StateTerminating:  {StateTerminated, StateFailed},
	StateTerminated:   {},
	StateFailed:       {StateTerminating, StateTerminated},
	StateOrphaned:     {StateTerminating, StateTerminated},
}

// CanTransition reports whether a lease may move from current to target.
// Self-transitions are always allowed and are treated as no-ops by the store.
func CanTransition(current, target State) bool {
	if current == target {
		return true
	}
	for _, allowed := range allowedTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}
