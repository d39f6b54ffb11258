// Package lifecycle owns every order mutation: the declared state machine,
// the per-order locking that serializes transitions, and the fill
// accounting that keeps filled quantity and average price consistent.
package lifecycle

import (
	"github.com/aristath/tradewire/internal/domain"
)

// Label names a declared transition edge.
type Label string

const (
	LabelSubmit      Label = "submit"
	LabelAccept      Label = "accept"
	LabelPartialFill Label = "partialFill"
	LabelFill        Label = "fill"
	LabelCancel      Label = "cancel"
	LabelReject      Label = "reject"
	LabelExpire      Label = "expire"
)

// edge is a (from, to) pair in the declared set.
type edge struct {
	from domain.OrderStatus
	to   domain.OrderStatus
}

// declared maps every legal transition to its event label. Anything absent
// is an invalid transition, full stop.
var declared = map[edge]Label{
	{domain.StatusPending, domain.StatusSubmitted}: LabelSubmit,
	{domain.StatusPending, domain.StatusRejected}:  LabelReject,
	{domain.StatusPending, domain.StatusCanceled}:  LabelCancel,

	{domain.StatusSubmitted, domain.StatusAccepted}: LabelAccept,
	{domain.StatusSubmitted, domain.StatusRejected}: LabelReject,
	{domain.StatusSubmitted, domain.StatusCanceled}: LabelCancel,

	{domain.StatusAccepted, domain.StatusPartiallyFilled}: LabelPartialFill,
	{domain.StatusAccepted, domain.StatusFilled}:          LabelFill,
	{domain.StatusAccepted, domain.StatusCanceled}:        LabelCancel,
	{domain.StatusAccepted, domain.StatusRejected}:        LabelReject,
	{domain.StatusAccepted, domain.StatusExpired}:         LabelExpire,

	{domain.StatusPartiallyFilled, domain.StatusPartiallyFilled}: LabelPartialFill,
	{domain.StatusPartiallyFilled, domain.StatusFilled}:          LabelFill,
	{domain.StatusPartiallyFilled, domain.StatusCanceled}:        LabelCancel,
	{domain.StatusPartiallyFilled, domain.StatusExpired}:         LabelExpire,
}

// Declared reports whether from → to is a legal transition.
func Declared(from, to domain.OrderStatus) bool {
	_, ok := declared[edge{from, to}]
	return ok
}

// LabelFor returns the event label of a declared transition.
func LabelFor(from, to domain.OrderStatus) (Label, bool) {
	l, ok := declared[edge{from, to}]
	return l, ok
}

// TargetsFrom lists the legal targets from a state. Used by tests and the
// status endpoint; order is not significant.
func TargetsFrom(from domain.OrderStatus) []domain.OrderStatus {
	var out []domain.OrderStatus
	for e := range declared {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	return out
}
