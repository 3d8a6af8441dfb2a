package ride

import "github.com/example/ride-dispatch/internal/models"

// allowedTransitions is the ride state flow as code. completed and
// cancelled are terminal: no outgoing edges.
var allowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted, models.StatusCancelled},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
