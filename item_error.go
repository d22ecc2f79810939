package racelab

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ItemError wraps the error of a single work item together with the slot
// that processed it. [Pool.Run] wraps every item failure in an ItemError so
// callers can attribute errors to specific items.
type ItemError struct {
	Slot Slot
	Item int
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d on %s failed: %v", e.Item, e.Slot, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a run that did not finish within its [WithTimeout]
// budget. Processed items completed normally; Skipped items never ran.
type TimeoutError struct {
	Timeout   time.Duration
	Processed int64
	Skipped   int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("racelab: run timed out after %s (%d processed, %d skipped)",
		e.Timeout, e.Processed, e.Skipped)
}

// Unwrap returns [context.DeadlineExceeded], so errors.Is works against it.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsTimeout reports whether err (or any error in its chain) is a [*TimeoutError].
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsItemError reports whether err (or any error in its chain) is an [*ItemError].
func IsItemError(err error) bool {
	if err == nil {
		return false
	}
	var ie *ItemError
	return errors.As(err, &ie)
}

// AllItemErrors recursively collects every [*ItemError] from err's chain,
// including errors wrapped via [errors.Join]. Returns nil if none are found.
func AllItemErrors(err error) []*ItemError {
	if err == nil {
		return nil
	}

	var out []*ItemError
	collectItemErrors(err, &out)
	return out
}

func collectItemErrors(err error, out *[]*ItemError) {
	switch e := err.(type) {
	case *ItemError:
		*out = append(*out, e)

	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			collectItemErrors(sub, out)
		}

	case interface{ Unwrap() error }:
		collectItemErrors(e.Unwrap(), out)
	}
}
