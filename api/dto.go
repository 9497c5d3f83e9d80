/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

JSON field names follow the existing mobile and web clients
(user_id, qr_code, canRedeem, cafesForReward, ...).

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// IDENTITY
// =============================================================================

type RegisterCustomerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type RegisterMerchantRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	BusinessName string `json:"business_name"`
}

type CustomerDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	QRCode string `json:"qr_code,omitempty"`
}

type MerchantDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	BusinessName string `json:"business_name"`
}

func toCustomerDTO(c identity.Customer, withCredential bool) CustomerDTO {
	dto := CustomerDTO{ID: string(c.ID), Name: c.Name, Email: c.Email}
	if withCredential {
		dto.QRCode = c.QRToken
	}
	return dto
}

func toMerchantDTO(m identity.Merchant) MerchantDTO {
	return MerchantDTO{ID: string(m.ID), Name: m.Name, Email: m.Email, BusinessName: m.BusinessName}
}

// =============================================================================
// STATS
// =============================================================================

type StatsDTO struct {
	TotalPurchases int  `json:"totalPurchases"`
	TotalRewards   int  `json:"totalRewards"`
	CurrentPoints  int  `json:"currentPoints"`
	CanRedeem      bool `json:"canRedeem"`
	CafesForReward int  `json:"cafesForReward"`
}

func toStatsDTO(s rewards.Stats) StatsDTO {
	return StatsDTO{
		TotalPurchases: s.TotalPurchases,
		TotalRewards:   s.TotalRewards,
		CurrentPoints:  s.CurrentPoints,
		CanRedeem:      s.Eligible,
		CafesForReward: s.RemainingToNextReward,
	}
}

// ProfileResponse is a customer with their stats.
type ProfileResponse struct {
	CustomerDTO
	Stats StatsDTO `json:"stats"`
}

// ScanResponse is what a merchant sees after scanning a QR code.
type ScanResponse struct {
	User  CustomerDTO `json:"user"`
	Stats StatsDTO    `json:"stats"`
}

// =============================================================================
// PURCHASES AND REDEMPTIONS
// =============================================================================

type ScanRequest struct {
	QRCode string `json:"qr_code"`
}

type PurchaseRequest struct {
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type PurchaseResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id"`
	CanRedeem     bool   `json:"canRedeem"`
}

type RedeemRequest struct {
	UserID string `json:"user_id"`
}

type RedeemResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id"`
}

// =============================================================================
// HISTORY
// =============================================================================

type TransactionDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	MerchantID   string `json:"merchant_id"`
	Type         string `json:"type"`
	Points       string `json:"points"`
	BusinessName string `json:"business_name"`
	CreatedAt    string `json:"created_at"`
}

func toTransactionDTO(e rewards.HistoryEntry) TransactionDTO {
	return TransactionDTO{
		ID:           string(e.Event.ID),
		UserID:       string(e.Event.CustomerID),
		MerchantID:   string(e.Event.MerchantID),
		Type:         string(e.Event.Kind),
		Points:       e.Event.Weight.String(),
		BusinessName: e.BusinessName,
		CreatedAt:    e.Event.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// InsufficientPointsResponse keeps the progress fields at top level.
type InsufficientPointsResponse struct {
	Error         string `json:"error"`
	CurrentPoints int    `json:"currentPoints"`
	Needed        int    `json:"needed"`
}
