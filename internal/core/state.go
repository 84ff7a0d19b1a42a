package core

import "fmt"

type OrderState string

const (
	PendingCreate   OrderState = "pending_create"
	Open            OrderState = "open"
	PartiallyFilled OrderState = "partially_filled"
	Filled          OrderState = "filled"
	Canceled        OrderState = "canceled"
	Rejected        OrderState = "rejected"
	Failed          OrderState = "failed"
)

var transitions = map[OrderState][]OrderState{
	PendingCreate:   {Open, Rejected, Failed},
	Open:            {PartiallyFilled, Filled, Canceled, Failed},
	PartiallyFilled: {PartiallyFilled, Filled, Canceled, Failed},
}

func (s OrderState) IsTerminal() bool {
	switch s {
	case Filled, Canceled, Rejected, Failed:
		return true
	}
	return false
}

func (s OrderState) Valid() bool {
	switch s {
	case PendingCreate, Open, PartiallyFilled, Filled, Canceled, Rejected, Failed:
		return true
	}
	return false
}

// Rank orders states for tie-breaking: terminal > partially filled > open > pending create.
func (s OrderState) Rank() int {
	switch s {
	case PendingCreate:
		return 0
	case Open:
		return 1
	case PartiallyFilled:
		return 2
	case Filled, Canceled, Rejected, Failed:
		return 3
	}
	return -1
}

// CanReach reports whether to is reachable from from through one or more
// transitions of the canonical machine. A state that skips an intermediate
// step (pending create straight to filled) is still reachable.
func CanReach(from, to OrderState) bool {
	seen := map[OrderState]bool{}
	queue := []OrderState{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Advance returns the state an order should hold after observing candidate.
// The second result is false when candidate is ignored; terminal states never change.
func Advance(current, candidate OrderState) (OrderState, bool) {
	if !candidate.Valid() {
		return current, false
	}
	if current == "" {
		return candidate, true
	}
	if current.IsTerminal() {
		return current, false
	}
	if candidate.Rank() < current.Rank() {
		return current, false
	}
	if !CanReach(current, candidate) {
		return current, false
	}
	return candidate, true
}

// MapStatus maps an exchange status through table; unknown statuses are an error.
func MapStatus(table map[string]OrderState, raw string) (OrderState, error) {
	state, ok := table[raw]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, raw)
	}
	return state, nil
}
