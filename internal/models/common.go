// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns the primary key in Go so every dialect gets the same ids.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RoleDistributor  Role = "distributor"
	RolePharmacy     Role = "pharmacy"
	RoleSystemAdmin  Role = "system_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleManufacturer, RoleDistributor, RolePharmacy, RoleSystemAdmin:
		return true
	}
	return false
}

// IsBusiness reports whether the role owns a business entity and can hold tokens.
func (r Role) IsBusiness() bool {
	return r == RoleManufacturer || r == RoleDistributor || r == RolePharmacy
}

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

type EntityStatus string

const (
	EntityStatusActive   EntityStatus = "active"
	EntityStatusInactive EntityStatus = "inactive"
)

type DrugStatus string

const (
	DrugStatusActive   DrugStatus = "active"
	DrugStatusInactive DrugStatus = "inactive"
	DrugStatusRecalled DrugStatus = "recalled"
)

func (s DrugStatus) Valid() bool {
	return s == DrugStatusActive || s == DrugStatusInactive || s == DrugStatusRecalled
}

type TokenStatus string

const (
	TokenStatusMinted      TokenStatus = "minted"
	TokenStatusTransferred TokenStatus = "transferred"
	TokenStatusSold        TokenStatus = "sold"
	TokenStatusExpired     TokenStatus = "expired"
	TokenStatusRecalled    TokenStatus = "recalled"
)

// AllTokenStatuses lists every status in lifecycle order.
var AllTokenStatuses = []TokenStatus{
	TokenStatusMinted,
	TokenStatusTransferred,
	TokenStatusSold,
	TokenStatusExpired,
	TokenStatusRecalled,
}

type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

type CommercialInvoiceStatus string

const (
	CommercialInvoiceStatusDraft CommercialInvoiceStatus = "draft"
	CommercialInvoiceStatusSent  CommercialInvoiceStatus = "sent"
	CommercialInvoiceStatusPaid  CommercialInvoiceStatus = "paid"
)

type DistributionStatus string

const (
	DistributionStatusPending   DistributionStatus = "pending"
	DistributionStatusInTransit DistributionStatus = "in_transit"
	DistributionStatusDelivered DistributionStatus = "delivered"
	DistributionStatusConfirmed DistributionStatus = "confirmed"
	DistributionStatusRejected  DistributionStatus = "rejected"
)

type PharmacyProofStatus string

const (
	PharmacyProofStatusPending  PharmacyProofStatus = "pending"
	PharmacyProofStatusReceived PharmacyProofStatus = "received"
)

// ConfirmationState tracks the ledger side of a transfer independently of the
// business status of its invoice.
type ConfirmationState string

const (
	ConfirmationAwaitingSignature   ConfirmationState = "awaiting_signature"
	ConfirmationPendingConfirmation ConfirmationState = "pending_confirmation"
	ConfirmationConfirmed           ConfirmationState = "confirmed"
	ConfirmationFailed              ConfirmationState = "failed"
)

type TransferProtocol string

const (
	TransferProtocolSync     TransferProtocol = "sync"
	TransferProtocolTwoPhase TransferProtocol = "two_phase"
)

type InvoiceType string

const (
	InvoiceTypeManufacturer InvoiceType = "manufacturer"
	InvoiceTypeCommercial   InvoiceType = "commercial"
)
