// internal/models/proof.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// ProofOfDistribution records the distributor's receipt of a ManufacturerInvoice.
type ProofOfDistribution struct {
	BaseModel
	ManufacturerInvoiceID uuid.UUID          `json:"manufacturer_invoice_id" gorm:"type:uuid;not null;uniqueIndex"`
	DistributorID         uuid.UUID          `json:"distributor_id" gorm:"type:uuid;not null;index"`
	ManufacturerID        uuid.UUID          `json:"manufacturer_id" gorm:"type:uuid;not null;index"`
	Status                DistributionStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	ReceivedBy            JSONB              `json:"received_by" gorm:"type:jsonb"`
	DeliveryAddress       string             `json:"delivery_address" gorm:"type:text"`
	ShippingInfo          JSONB              `json:"shipping_info" gorm:"type:jsonb"`
	Notes                 string             `json:"notes" gorm:"type:text"`
	DistributionDate      *time.Time         `json:"distribution_date"`
	DistributedQuantity   int                `json:"distributed_quantity"`
	ConfirmedAt           *time.Time         `json:"confirmed_at"`
}

// ProofOfPharmacy records the pharmacy's receipt of a CommercialInvoice.
type ProofOfPharmacy struct {
	BaseModel
	CommercialInvoiceID uuid.UUID           `json:"commercial_invoice_id" gorm:"type:uuid;not null;uniqueIndex"`
	PharmacyID          uuid.UUID           `json:"pharmacy_id" gorm:"type:uuid;not null;index"`
	DistributorID       uuid.UUID           `json:"distributor_id" gorm:"type:uuid;not null;index"`
	DrugID              *uuid.UUID          `json:"drug_id,omitempty" gorm:"type:uuid"`
	Status              PharmacyProofStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	ReceiptDate         *time.Time          `json:"receipt_date"`
	ReceivedQuantity    int                 `json:"received_quantity"`
	ReceiptTxHash       string              `json:"receipt_tx_hash,omitempty" gorm:"size:66"`
	Notes               string              `json:"notes" gorm:"type:text"`
}
