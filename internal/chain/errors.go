package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLog indicates a log that is not a well-formed Transfer
	ErrInvalidLog = errors.New("invalid transfer log")

	// ErrNoEndpoints indicates the RPC pool has nothing to dial
	ErrNoEndpoints = errors.New("at least one RPC endpoint is required")

	// ErrAllEndpointsFailed indicates every pooled endpoint failed or is cooling down
	ErrAllEndpointsFailed = errors.New("all RPC endpoints failed")

	// ErrBlockNotFound indicates the requested block was not found
	ErrBlockNotFound = errors.New("block not found")

	// ErrEmptyResult indicates a contract call returned no data
	ErrEmptyResult = errors.New("contract call returned no data")
)

// AdapterError wraps chain errors with the failing operation
type AdapterError struct {
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain error [%s]: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain error [%s]: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{Op: op, Err: err, Details: details}
}
