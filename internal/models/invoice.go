// internal/models/invoice.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ManufacturerInvoice is a batch transfer offer from a manufacturer to a distributor.
type ManufacturerInvoice struct {
	BaseModel
	FromManufacturerID uuid.UUID         `json:"from_manufacturer_id" gorm:"type:uuid;not null;index"`
	ToDistributorID    uuid.UUID         `json:"to_distributor_id" gorm:"type:uuid;not null;index"`
	ProductionRecordID *uuid.UUID        `json:"production_record_id,omitempty" gorm:"type:uuid;index"`
	DrugID             *uuid.UUID        `json:"drug_id,omitempty" gorm:"type:uuid;index"`
	InvoiceNumber      string            `json:"invoice_number" gorm:"size:50;not null;uniqueIndex"`
	InvoiceDate        time.Time         `json:"invoice_date"`
	Quantity           int               `json:"quantity" gorm:"not null"`
	UnitPrice          float64           `json:"unit_price" gorm:"type:decimal(18,2)"`
	TotalAmount        float64           `json:"total_amount" gorm:"type:decimal(18,2)"`
	VATRate            float64           `json:"vat_rate" gorm:"type:decimal(5,2)"`
	VATAmount          float64           `json:"vat_amount" gorm:"type:decimal(18,2)"`
	FinalAmount        float64           `json:"final_amount" gorm:"type:decimal(18,2)"`
	Notes              string            `json:"notes" gorm:"type:text"`
	Status             InvoiceStatus     `json:"status" gorm:"type:varchar(20);not null;index"`
	Protocol           TransferProtocol  `json:"protocol" gorm:"type:varchar(20);not null"`
	ConfirmationState  ConfirmationState `json:"confirmation_state" gorm:"type:varchar(30);index"`
	TxHash             string            `json:"tx_hash,omitempty" gorm:"size:66;index"`
	BlockNumber        uint64            `json:"block_number,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	PaymentIntentID    string            `json:"payment_intent_id,omitempty" gorm:"size:100"`
	CancelReason       string            `json:"cancel_reason,omitempty" gorm:"type:text"`

	FromManufacturer *BusinessEntity      `json:"from_manufacturer,omitempty" gorm:"foreignKey:FromManufacturerID"`
	ToDistributor    *BusinessEntity      `json:"to_distributor,omitempty" gorm:"foreignKey:ToDistributorID"`
	Proof            *ProofOfDistribution `json:"proof,omitempty" gorm:"foreignKey:ManufacturerInvoiceID"`
}

// CommercialInvoice is the distributor to pharmacy counterpart of ManufacturerInvoice.
type CommercialInvoice struct {
	BaseModel
	FromDistributorID uuid.UUID               `json:"from_distributor_id" gorm:"type:uuid;not null;index"`
	ToPharmacyID      uuid.UUID               `json:"to_pharmacy_id" gorm:"type:uuid;not null;index"`
	DrugID            *uuid.UUID              `json:"drug_id,omitempty" gorm:"type:uuid;index"`
	InvoiceNumber     string                  `json:"invoice_number" gorm:"size:50;not null;uniqueIndex"`
	InvoiceDate       time.Time               `json:"invoice_date"`
	Quantity          int                     `json:"quantity" gorm:"not null"`
	UnitPrice         float64                 `json:"unit_price" gorm:"type:decimal(18,2)"`
	TotalAmount       float64                 `json:"total_amount" gorm:"type:decimal(18,2)"`
	VATRate           float64                 `json:"vat_rate" gorm:"type:decimal(5,2)"`
	VATAmount         float64                 `json:"vat_amount" gorm:"type:decimal(18,2)"`
	FinalAmount       float64                 `json:"final_amount" gorm:"type:decimal(18,2)"`
	DeliveryAddress   string                  `json:"delivery_address" gorm:"type:text"`
	Notes             string                  `json:"notes" gorm:"type:text"`
	Status            CommercialInvoiceStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Protocol          TransferProtocol        `json:"protocol" gorm:"type:varchar(20);not null"`
	ConfirmationState ConfirmationState       `json:"confirmation_state" gorm:"type:varchar(30);index"`
	TxHash            string                  `json:"tx_hash,omitempty" gorm:"size:66;index"`
	BlockNumber       uint64                  `json:"block_number,omitempty"`
	SentAt            *time.Time              `json:"sent_at,omitempty"`
	PaidAt            *time.Time              `json:"paid_at,omitempty"`
	PaymentIntentID   string                  `json:"payment_intent_id,omitempty" gorm:"size:100"`
	CertificateURL    string                  `json:"certificate_url,omitempty" gorm:"size:500"`

	FromDistributor *BusinessEntity  `json:"from_distributor,omitempty" gorm:"foreignKey:FromDistributorID"`
	ToPharmacy      *BusinessEntity  `json:"to_pharmacy,omitempty" gorm:"foreignKey:ToPharmacyID"`
	Drug            *Drug            `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
	Proof           *ProofOfPharmacy `json:"proof,omitempty" gorm:"foreignKey:CommercialInvoiceID"`
}

// InvoiceToken persists the exact token set of a transfer so confirmation
// never has to guess which tokens an invoice covers.
type InvoiceToken struct {
	ID          uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	InvoiceType InvoiceType `json:"invoice_type" gorm:"type:varchar(20);not null;uniqueIndex:idx_invoice_token_line"`
	InvoiceID   uuid.UUID   `json:"invoice_id" gorm:"type:uuid;not null;uniqueIndex:idx_invoice_token_line"`
	TokenID     string      `json:"token_id" gorm:"size:78;not null;uniqueIndex:idx_invoice_token_line;index"`
	Amount      int64       `json:"amount" gorm:"not null;default:1"`
	Position    int         `json:"position" gorm:"not null"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (l *InvoiceToken) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
