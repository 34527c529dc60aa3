// internal/models/drug.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Drug struct {
	BaseModel
	TradeName      string     `json:"trade_name" gorm:"size:255;not null"`
	GenericName    string     `json:"generic_name" gorm:"size:255"`
	ATCCode        string     `json:"atc_code" gorm:"size:20;not null;uniqueIndex"`
	DosageForm     string     `json:"dosage_form" gorm:"size:100"`
	Strength       string     `json:"strength" gorm:"size:100"`
	Route          string     `json:"route" gorm:"size:100"`
	Packaging      string     `json:"packaging" gorm:"size:255"`
	Storage        string     `json:"storage" gorm:"type:text"`
	Warnings       string     `json:"warnings" gorm:"type:text"`
	ManufacturerID uuid.UUID  `json:"manufacturer_id" gorm:"type:uuid;not null;index"`
	Status         DrugStatus `json:"status" gorm:"type:varchar(20);default:'active';index"`

	Manufacturer *BusinessEntity `json:"manufacturer,omitempty" gorm:"foreignKey:ManufacturerID"`
}

// ProductionRecord is one packaging run of a drug. After minting only TxHash
// and BlockNumber are ever written.
type ProductionRecord struct {
	BaseModel
	DrugID         uuid.UUID  `json:"drug_id" gorm:"type:uuid;not null;index"`
	ManufacturerID uuid.UUID  `json:"manufacturer_id" gorm:"type:uuid;not null;index"`
	Quantity       int        `json:"quantity" gorm:"not null"`
	MfgDate        *time.Time `json:"mfg_date"`
	ExpDate        *time.Time `json:"exp_date"`
	BatchNumber    string     `json:"batch_number" gorm:"size:100;index"`
	MetadataURI    string     `json:"metadata_uri,omitempty" gorm:"size:500"`
	TxHash         string     `json:"tx_hash,omitempty" gorm:"size:66;index"`
	BlockNumber    uint64     `json:"block_number,omitempty"`

	Drug *Drug `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
}
