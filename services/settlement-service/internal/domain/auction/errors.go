package auction

import "fmt"

// Error classes. Every error returned by the settlement services wraps exactly
// one of these so callers can branch with errors.Is.
var (
	ErrValidation       = fmt.Errorf("validation failed")
	ErrStateConflict    = fmt.Errorf("state conflict")
	ErrCapExceeded      = fmt.Errorf("max lots per user exceeded")
	ErrExternalService  = fmt.Errorf("external service failed")
	ErrConsistencyFatal = fmt.Errorf("consistency violation")
	ErrNotFound         = fmt.Errorf("not found")
)

// Lot and auction errors shared across services.
var (
	ErrAuctionNotFound  = fmt.Errorf("%w: auction", ErrNotFound)
	ErrLotNotFound      = fmt.Errorf("%w: lot", ErrNotFound)
	ErrAuctionNotActive = fmt.Errorf("%w: auction is not active", ErrStateConflict)
	ErrInvalidPolicy    = fmt.Errorf("%w: invalid policy", ErrValidation)
)
