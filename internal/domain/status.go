package domain

import "fmt"

// Status is the lifecycle state of a TransferRecord.
type Status string

const (
	StatusInitiated           Status = "INITIATED"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusVerified            Status = "VERIFIED"
	StatusDisputed            Status = "DISPUTED"
	StatusCompleted           Status = "COMPLETED"
	StatusCancelled           Status = "CANCELLED"
	StatusRejected            Status = "REJECTED"
	StatusExpired             Status = "EXPIRED"
)

// transitions is the complete transition table. A status absent from the
// map, or mapped to an empty set, is terminal.
var transitions = map[Status][]Status{
	StatusInitiated: {
		StatusPendingVerification,
		StatusCancelled,
		StatusExpired,
		StatusRejected,
	},
	StatusPendingVerification: {
		StatusVerified,
		StatusDisputed,
		StatusCancelled,
		StatusExpired,
		StatusRejected,
	},
	StatusVerified: {StatusCompleted},
	StatusDisputed: {StatusRejected},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusInitiated, StatusPendingVerification, StatusVerified, StatusDisputed,
		StatusCompleted, StatusCancelled, StatusRejected, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown transfer status %q", s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether s counts toward the single-active-transfer invariant.
func (s Status) Active() bool {
	return !s.Terminal()
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from through zero or
// more legal transitions.
func Reachable(from, to Status) bool {
	if from == to {
		return true
	}
	seen := map[Status]bool{from: true}
	frontier := []Status{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// ActiveStatuses lists every non-terminal status, in lifecycle order.
func ActiveStatuses() []Status {
	return []Status{StatusInitiated, StatusPendingVerification, StatusVerified, StatusDisputed}
}

// Notifiable reports whether entering s is reported to the notification
// collaborator.
func (s Status) Notifiable() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDisputed, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// VerificationStatus summarises the evidence collected for a transfer.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationPartial    VerificationStatus = "PARTIAL"
	VerificationSatisfied  VerificationStatus = "SATISFIED"
	VerificationDisputed   VerificationStatus = "DISPUTED"
	VerificationRejected   VerificationStatus = "REJECTED"
)

// Method is how ownership moves.
type Method string

const (
	MethodSale        Method = "sale"
	MethodGift        Method = "gift"
	MethodLoan        Method = "loan"
	MethodInheritance Method = "inheritance"
	MethodExchange    Method = "exchange"
)

// ParseMethod validates a transfer method.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	switch m {
	case MethodSale, MethodGift, MethodLoan, MethodInheritance, MethodExchange:
		return m, nil
	}
	return "", fmt.Errorf("unknown transfer method %q", s)
}
