// Package apierr models the closed set of error kinds the control plane
// distinguishes, per the design note that error unions should be a closed
// tagged variant rather than something callers infer from a message string.
package apierr

import "fmt"

// ValidationError means the request carried bad or missing input. Surfaced
// as a 4xx with no state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError means a duplicate name, or a delete blocked by live
// dependents.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// SandboxError wraps a failed sandbox-driver call. Transient errors are
// retried by the caller on the next tick; non-transient (fatal, per entity)
// errors drive a permanently_failed transition once the recovery cap is
// reached.
type SandboxError struct {
	Transient bool
	Err       error
}

func (e *SandboxError) Error() string {
	if e.Transient {
		return fmt.Sprintf("sandbox error (transient): %v", e.Err)
	}
	return fmt.Sprintf("sandbox error (fatal): %v", e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

func Sandbox(transient bool, err error) error {
	return &SandboxError{Transient: transient, Err: err}
}

// StoreError wraps a transactional failure in the cluster store. Background
// loops roll back and retry on the next tick; request handlers surface 5xx.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func Store(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Err: err}
}

// RescheduleNoFitError means no eligible node exists for a pod being
// rescheduled. The caller logs it as an eviction and deletes the pod.
type RescheduleNoFitError struct {
	PodID string
}

func (e *RescheduleNoFitError) Error() string {
	return fmt.Sprintf("no eligible node for pod %s", e.PodID)
}

func NoFit(podID string) error {
	return &RescheduleNoFitError{PodID: podID}
}

// Kind identifiers, useful for metrics labels and logging without
// re-deriving them from a type switch at every call site.
func KindOf(err error) string {
	switch err.(type) {
	case *ValidationError:
		return "validation"
	case *NotFoundError:
		return "not_found"
	case *ConflictError:
		return "conflict"
	case *SandboxError:
		return "sandbox"
	case *StoreError:
		return "store"
	case *RescheduleNoFitError:
		return "no_fit"
	default:
		return "unknown"
	}
}
