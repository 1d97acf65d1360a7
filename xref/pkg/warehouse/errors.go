package warehouse

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the warehouse rejects the credential (HTTP 401).
	ErrUnauthenticated = errors.New("warehouse: authentication failed")

	// ErrForbidden is returned when the credential lacks access (HTTP 403).
	ErrForbidden = errors.New("warehouse: access denied")

	// ErrNotFound is returned when the warehouse reports a missing resource (HTTP 404).
	ErrNotFound = errors.New("warehouse: not found")
)

// ConnectivityError indicates that no response reached the endpoint at all.
// Callers use this signal to mark the connection unhealthy.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("warehouse: connectivity failure: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// StatementError indicates that the endpoint was reached but the statement
// finished in a terminal failure state.
type StatementError struct {
	StatementID string
	State       string
	Message     string
}

func (e *StatementError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("warehouse: statement %s finished in state %s", e.StatementID, e.State)
	}
	return fmt.Sprintf("warehouse: statement %s finished in state %s: %s", e.StatementID, e.State, e.Message)
}
