package store

import "meropaalo/queue-engine/internal/models"

// tokenTransitionMap keys on the target status; tokens only ever move
// forward, cancellation is allowed from any non-terminal status.
var tokenTransitionMap = map[string][]string{
	models.StatusCalled:    {models.StatusWaiting},
	models.StatusServing:   {models.StatusWaiting, models.StatusCalled},
	models.StatusCompleted: {models.StatusServing},
	models.StatusCancelled: {models.StatusWaiting, models.StatusCalled, models.StatusServing},
}

var dayTransitionMap = map[string][]string{
	"pause":  {models.DayActive},
	"resume": {models.DayPaused},
	"close":  {models.DayActive, models.DayPaused},
	"reset":  {models.DayActive, models.DayPaused},
}

func ValidTokenTransition(toStatus, fromStatus string) bool {
	allowed, ok := tokenTransitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func ValidDayTransition(action, fromStatus string) bool {
	allowed, ok := dayTransitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TerminalTokenStatus(status string) bool {
	return status == models.StatusCompleted || status == models.StatusCancelled
}
