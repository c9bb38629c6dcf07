package permissions

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the resolver. Callers dispatch with errors.Is;
// the resolver never maps these to HTTP statuses itself.
var (
	// ErrNotFound means a referenced user or resource does not exist. This
	// is distinct from a resolution of "no access" so that callers can log
	// and audit the two cases differently.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput means the request was malformed (unknown resource
	// type, non-positive ids, bad depth/limit). Rejected before any query
	// is issued.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDataAccess means the relational store could not be queried. It is
	// never folded into an empty PermissionSet: "could not determine
	// access" must stay distinguishable from "no access".
	ErrDataAccess = errors.New("data access failure")
)

// dataAccessErr wraps a driver error so errors.Is(err, ErrDataAccess)
// holds while the underlying cause stays inspectable.
func dataAccessErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDataAccess, op, err)
}
