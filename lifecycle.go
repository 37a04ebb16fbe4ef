package bookingsync

// ============================================================================
// Booking lifecycle
// ============================================================================

type edge struct {
	from, to BookingStatus
}

// lifecycleEdges maps every permitted edge to the roles allowed to take it.
var lifecycleEdges = map[edge][]Role{
	{StatusPending, StatusConfirmed}:    {RoleProvider},
	{StatusPending, StatusCancelled}:    {RoleCustomer, RoleProvider},
	{StatusConfirmed, StatusOnTheWay}:   {RoleProvider},
	{StatusConfirmed, StatusCancelled}:  {RoleCustomer, RoleProvider},
	{StatusOnTheWay, StatusArrived}:     {RoleProvider},
	{StatusOnTheWay, StatusCancelled}:   {RoleCustomer, RoleProvider},
	{StatusArrived, StatusInProgress}:   {RoleProvider},
	{StatusInProgress, StatusCompleted}: {RoleProvider},
}

// Transition validates a requested status change by an actor and returns the
// resulting status. It has no side effects, so a queued action replayed later
// gets the same decision a live attempt would have got from the same state.
//
// Denials are *SyncError values of kind terminal-state, invalid-transition or
// unauthorized-transition.
func Transition(current, requested BookingStatus, role Role) (BookingStatus, error) {
	if current.Terminal() {
		return current, newSyncError(KindTerminalState, "", "booking is already %s", current)
	}
	roles, ok := lifecycleEdges[edge{current, requested}]
	if !ok {
		return current, newSyncError(KindInvalidTransition, "", "cannot move from %s to %s", current, requested)
	}
	for _, r := range roles {
		if r == role {
			return requested, nil
		}
	}
	return current, newSyncError(KindUnauthorizedTransition, "", "%s cannot move a booking to %s", role, requested)
}

// AllowedTargets lists the statuses role may request from current, in
// lifecycle order.
func AllowedTargets(current BookingStatus, role Role) []BookingStatus {
	var out []BookingStatus
	for _, target := range AllStatuses {
		if _, err := Transition(current, target, role); err == nil {
			out = append(out, target)
		}
	}
	return out
}

// transitionFor is Transition with the booking id attached to any denial.
func transitionFor(bookingID string, current, requested BookingStatus, role Role) (BookingStatus, error) {
	next, err := Transition(current, requested, role)
	if se, ok := err.(*SyncError); ok {
		se.BookingID = bookingID
	}
	return next, err
}
