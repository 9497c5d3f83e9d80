/*
Package identity holds the customer and merchant records the reward engine
reads.

PURPOSE:
  Customers carry a QR token, an opaque credential merchants scan at the
  counter. Merchants carry the business name shown in a customer's history.
  The reward engine only ever reads these records; registration is the only
  write.

NOT HERE:
  Passwords, login and token issuance live outside this module.

SEE ALSO:
  - store/sqlite/sqlite.go: SQL-backed Directory
  - ledger/store/memory.go: In-memory Directory for tests
*/
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/loyalty-engine/ledger"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrInvalidInput     = errors.New("invalid input")
)

type Customer struct {
	ID        ledger.CustomerID
	Name      string
	Email     string
	QRToken   string
	CreatedAt time.Time
}

type Merchant struct {
	ID           ledger.MerchantID
	Name         string
	Email        string
	BusinessName string
	CreatedAt    time.Time
}

// Directory resolves identifiers to records. Lookups that find nothing
// return ErrCustomerNotFound or ErrMerchantNotFound.
type Directory interface {
	ResolveCustomer(ctx context.Context, id ledger.CustomerID) (Customer, error)
	ResolveMerchant(ctx context.Context, id ledger.MerchantID) (Merchant, error)
	ResolveCustomerByCredential(ctx context.Context, qrToken string) (Customer, error)
}

// Registry is a Directory that can also register new records.
// Save methods return ErrEmailTaken when the email is already in use.
type Registry interface {
	Directory
	SaveCustomer(ctx context.Context, c Customer) error
	SaveMerchant(ctx context.Context, m Merchant) error
}

// NewCustomer builds a customer with fresh ID and QR token.
func NewCustomer(name, email string) (Customer, error) {
	name, email = strings.TrimSpace(name), normalizeEmail(email)
	if name == "" || email == "" {
		return Customer{}, ErrInvalidInput
	}
	return Customer{
		ID:        ledger.CustomerID(uuid.NewString()),
		Name:      name,
		Email:     email,
		QRToken:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewMerchant builds a merchant with a fresh ID.
func NewMerchant(name, email, businessName string) (Merchant, error) {
	name, email, businessName = strings.TrimSpace(name), normalizeEmail(email), strings.TrimSpace(businessName)
	if name == "" || email == "" || businessName == "" {
		return Merchant{}, ErrInvalidInput
	}
	return Merchant{
		ID:           ledger.MerchantID(uuid.NewString()),
		Name:         name,
		Email:        email,
		BusinessName: businessName,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
