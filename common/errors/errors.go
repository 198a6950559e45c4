// Package errors defines the error taxonomy shared by the resource manager,
// the scheduler and the proxy layer. Callers should test for a class with the
// Is* helpers, which look through pkg/errors wrapping.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// UnknownSourceError is returned when a node is added under a source that does not exist
// (or is being removed).
type UnknownSourceError struct {
	SourceID string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown node source %q", e.SourceID)
}

// SourceExistsError is returned when a node source id is already in use.
type SourceExistsError struct {
	SourceID string
}

func (e *SourceExistsError) Error() string {
	return fmt.Sprintf("node source %q already exists", e.SourceID)
}

// UnknownNodeError is returned by administrative calls naming a node that isn't registered.
type UnknownNodeError struct {
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %q", e.NodeID)
}

// NodeExistsError is returned when a live node is registered twice.
type NodeExistsError struct {
	NodeID string
}

func (e *NodeExistsError) Error() string {
	return fmt.Sprintf("node %q is already registered", e.NodeID)
}

// AuthenticationError wraps the authenticator's refusal.
type AuthenticationError struct {
	User  string
	Cause error
}

func (e *AuthenticationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("authentication failed for %q", e.User)
	}
	return fmt.Sprintf("authentication failed for %q: %v", e.User, e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// NotAuthorizedError is returned when an authenticated client attempts an action
// on something it doesn't own, or an admin-only action.
type NotAuthorizedError struct {
	User   string
	Action string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("user %q is not authorized to %s", e.User, e.Action)
}

// InsufficientResources is never returned by the registry, which reports shortage with an
// empty result. The scheduler records it as the reason a task is still waiting.
type InsufficientResources struct {
	Requested int
	Available int
}

func (e *InsufficientResources) Error() string {
	return fmt.Sprintf("insufficient resources: requested %d nodes, %d eligible", e.Requested, e.Available)
}

// LaunchFailure wraps an error from the launcher collaborator for one task.
type LaunchFailure struct {
	TaskID string
	Cause  error
}

func (e *LaunchFailure) Error() string {
	return fmt.Sprintf("launch of task %s failed: %v", e.TaskID, e.Cause)
}

func (e *LaunchFailure) Unwrap() error { return e.Cause }

// InvariantViolation marks a programming error. It fails the task it concerns and nothing else.
type InvariantViolation struct {
	TaskID string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for task %s: %s", e.TaskID, e.Detail)
}

func IsUnknownSource(err error) bool {
	_, ok := pkgerrors.Cause(err).(*UnknownSourceError)
	return ok
}

func IsSourceExists(err error) bool {
	_, ok := pkgerrors.Cause(err).(*SourceExistsError)
	return ok
}

func IsUnknownNode(err error) bool {
	_, ok := pkgerrors.Cause(err).(*UnknownNodeError)
	return ok
}

func IsAuthentication(err error) bool {
	_, ok := pkgerrors.Cause(err).(*AuthenticationError)
	return ok
}

func IsNotAuthorized(err error) bool {
	_, ok := pkgerrors.Cause(err).(*NotAuthorizedError)
	return ok
}

func IsLaunchFailure(err error) bool {
	_, ok := pkgerrors.Cause(err).(*LaunchFailure)
	return ok
}

func IsInvariantViolation(err error) bool {
	_, ok := pkgerrors.Cause(err).(*InvariantViolation)
	return ok
}
