// internal/models/business_entity.go
package models

import (
	"github.com/google/uuid"
)

// BusinessEntity is the custody party behind a manufacturer, distributor or
// pharmacy account. Token ownership always points here, never at a User.
type BusinessEntity struct {
	BaseModel
	UserID           uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;uniqueIndex"`
	Role             Role         `json:"role" gorm:"type:varchar(20);not null;index"`
	Name             string       `json:"name" gorm:"size:255;not null"`
	LicenseNo        string       `json:"license_no" gorm:"size:100"`
	TaxCode          string       `json:"tax_code" gorm:"size:50;index"`
	GMPCertificateNo string       `json:"gmp_certificate_no,omitempty" gorm:"size:100"`
	Address          string       `json:"address" gorm:"type:text"`
	Phone            string       `json:"phone" gorm:"size:30"`
	Email            string       `json:"email" gorm:"size:255"`
	WalletAddress    string       `json:"wallet_address" gorm:"size:42;index"`
	Status           EntityStatus `json:"status" gorm:"type:varchar(20);default:'active'"`
}
