package health

import (
	"slices"
	"strings"
	"time"
)

func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// rank orders states from best to worst. Unknown states rank as
// unhealthy.
func rank(state string) int {
	switch state {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Aggregate reports the worst state among subs, naming the components
// that are not healthy. subs is copied.
func Aggregate(component string, subs []Status) Status {
	worst := StateHealthy
	var troubled []string
	for _, sub := range subs {
		if rank(sub.Status) == 0 {
			continue
		}
		troubled = append(troubled, sub.Component)
		if rank(sub.Status) > rank(worst) {
			worst = sub.Status
		}
	}
	if rank(worst) == 2 {
		worst = StateUnhealthy
	}

	msg := "all components healthy"
	switch {
	case len(subs) == 0:
		msg = "no components registered"
	case len(troubled) > 0:
		msg = worst + ": " + strings.Join(troubled, ", ")
	}

	s := newStatus(component, worst, msg)
	s.SubStatuses = slices.Clone(subs)
	return s
}
