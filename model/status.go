package model

// Status is the lifecycle status of an account request. The same value is
// carried by the AccountRequest and its WorkflowState.
type Status string

// Request lifecycle statuses.
const (
	StatusReceived         Status = "received"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusProvisioning     Status = "provisioning"
	StatusProvisioned      Status = "provisioned"
	StatusFailed           Status = "failed"
	StatusAbandoned        Status = "abandoned"
)

// transitions is the single state machine shared by intake, the workflow
// engine and the stores. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusReceived:         {StatusValidating},
	StatusValidating:       {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusAbandoned},
	StatusApproved:         {StatusProvisioning},
	StatusProvisioning:     {StatusProvisioned, StatusFailed},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusReceived, StatusValidating, StatusAwaitingApproval,
		StatusApproved, StatusRejected, StatusProvisioning,
		StatusProvisioned, StatusFailed, StatusAbandoned,
	}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProvisioned, StatusRejected, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
