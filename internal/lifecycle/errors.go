package lifecycle

import (
	"errors"
	"fmt"

	"github.com/aristath/tradewire/internal/domain"
)

// InvalidTransitionError reports an attempt outside the declared set. It is
// a result, not a panic: webhook reconciliation consumes these silently, the
// HTTP boundary maps them to 409.
type InvalidTransitionError struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for order %s", e.From, e.To, e.OrderID)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ErrOrderNotFound is returned when the order table has no such id.
var ErrOrderNotFound = errors.New("order not found")
