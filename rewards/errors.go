package rewards

import (
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
)

// ErrInsufficientPoints is the expected rejection of a redemption the
// customer has not earned. Callers branch on it; it is never retried.
var ErrInsufficientPoints = errors.New("insufficient points")

// InsufficientPointsError carries the progress to show the customer.
type InsufficientPointsError struct {
	CustomerID    ledger.CustomerID
	CurrentPoints int
	Needed        int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: customer %s has %d, needs %d more",
		e.CustomerID, e.CurrentPoints, e.Needed)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error names an unknown customer or merchant.
func IsNotFound(err error) bool {
	return errors.Is(err, identity.ErrCustomerNotFound) ||
		errors.Is(err, identity.ErrMerchantNotFound)
}

// IsClientError returns true if the error is a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, identity.ErrEmailTaken) ||
		errors.Is(err, identity.ErrInvalidInput)
}

// storageErr passes through errors that already carry a kind and wraps
// everything else (driver errors, expired deadlines) as StorageUnavailable.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, ledger.ErrPredicateFailed),
		errors.Is(err, ledger.ErrRedemptionRaceLost),
		errors.Is(err, ledger.ErrInvalidEvent),
		IsNotFound(err),
		IsClientError(err):
		return err
	default:
		return ledger.Unavailable(op, err)
	}
}
