package subscription

import (
	"errors"
	"fmt"

	"github.com/nexmobile/subsync/app/models"
)

// ErrInvalidTransition is returned when a requested state change is not in
// the transition table.
var ErrInvalidTransition = errors.New("subscription: invalid state transition")

type transition struct {
	From string
	To   string
}

// validTransitions is the complete transition table. Transitions into
// `expired` exist only from `grace_period` and from the administrative
// states; everything else must pass through `grace_period` first.
var validTransitions = map[transition]bool{
	{models.SubStatePending, models.SubStateActive}:    true, // payment settled
	{models.SubStatePending, models.SubStateCancelled}: true, // abandoned before settlement

	{models.SubStateActive, models.SubStateGracePeriod}:   true, // period lapsed, billing retry running
	{models.SubStateActive, models.SubStateCancelled}:     true, // user cancelled
	{models.SubStateActive, models.SubStatePaymentFailed}: true,
	{models.SubStateActive, models.SubStateOnHold}:        true,
	{models.SubStateActive, models.SubStatePaused}:        true,
	{models.SubStateActive, models.SubStateDeferred}:      true,
	{models.SubStateActive, models.SubStateRevoked}:       true,
	{models.SubStateActive, models.SubStateRefunded}:      true,

	{models.SubStateGracePeriod, models.SubStateActive}:    true, // renewal recovered
	{models.SubStateGracePeriod, models.SubStateExpired}:   true, // grace window elapsed
	{models.SubStateGracePeriod, models.SubStateCancelled}: true,
	{models.SubStateGracePeriod, models.SubStateRevoked}:   true,
	{models.SubStateGracePeriod, models.SubStateRefunded}:  true,

	{models.SubStateCancelled, models.SubStateActive}:   true, // restart before period end
	{models.SubStateCancelled, models.SubStateExpired}:  true, // administrative bypass of grace
	{models.SubStateCancelled, models.SubStateRefunded}: true,

	{models.SubStatePaymentFailed, models.SubStateActive}:      true,
	{models.SubStatePaymentFailed, models.SubStateGracePeriod}: true,

	{models.SubStateOnHold, models.SubStateActive}:      true,
	{models.SubStateOnHold, models.SubStateGracePeriod}: true,
	{models.SubStateOnHold, models.SubStateCancelled}:   true,

	{models.SubStatePaused, models.SubStateActive}:      true,
	{models.SubStatePaused, models.SubStateGracePeriod}: true,
	{models.SubStatePaused, models.SubStateCancelled}:   true,

	{models.SubStateDeferred, models.SubStateActive}:      true,
	{models.SubStateDeferred, models.SubStateGracePeriod}: true,

	{models.SubStateRevoked, models.SubStateActive}:  true, // re-purchase on the same lineage
	{models.SubStateRevoked, models.SubStateExpired}: true, // administrative bypass of grace

	{models.SubStateRefunded, models.SubStateActive}:  true,
	{models.SubStateRefunded, models.SubStateExpired}: true, // administrative bypass of grace

	{models.SubStateExpired, models.SubStateActive}: true, // resubscription
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	return validTransitions[transition{from, to}]
}

// Apply computes the state change. Re-applying the current state is a no-op
// (changed=false), never an error; webhooks are delivered at least once and
// the sweeps re-select overdue rows, so replay safety lives here.
func Apply(current, target string) (next string, changed bool, err error) {
	if current == target {
		return current, false, nil
	}
	if !CanTransition(current, target) {
		return current, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	return target, true, nil
}

// RouteToExpired resolves the state a record should take when the platform
// or the expiry sweep declares it over: administrative states fall straight
// to expired, everything else enters grace first.
func RouteToExpired(current string) string {
	switch current {
	case models.SubStateGracePeriod, models.SubStateCancelled, models.SubStateRevoked, models.SubStateRefunded:
		return models.SubStateExpired
	case models.SubStateExpired:
		return models.SubStateExpired
	default:
		return models.SubStateGracePeriod
	}
}
