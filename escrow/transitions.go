package escrow

import (
	"fmt"

	"escrowmarket/models"
)

var allowedTransitions = map[models.EscrowStatus][]models.EscrowStatus{
	models.EscrowPending: {models.EscrowFunded, models.EscrowCancelled},
	models.EscrowFunded:  {models.EscrowCompleted, models.EscrowCancelled},
}

// ValidateTransition ensures escrow status only moves forward.
func ValidateTransition(current, next models.EscrowStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidState, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: transition from %s to %s is not permitted", ErrInvalidState, current, next)
}
