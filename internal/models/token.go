// internal/models/token.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Token mirrors one on-chain NFT, i.e. one physical box of a drug. Rows are
// never deleted; owner and status move only through custody transitions.
type Token struct {
	BaseModel
	TokenID            string      `json:"token_id" gorm:"size:78;not null;uniqueIndex"`
	DrugID             uuid.UUID   `json:"drug_id" gorm:"type:uuid;not null;index"`
	ProductionRecordID uuid.UUID   `json:"production_record_id" gorm:"type:uuid;not null;index"`
	OwnerID            uuid.UUID   `json:"owner_id" gorm:"type:uuid;not null;index"`
	Status             TokenStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	SerialNumber       string      `json:"serial_number" gorm:"size:150"`
	BatchNumber        string      `json:"batch_number" gorm:"size:100"`
	Unit               string      `json:"unit" gorm:"size:30"`
	ContractAddress    string      `json:"contract_address" gorm:"size:42"`
	TxHash             string      `json:"tx_hash" gorm:"size:66;index"`
	MfgDate            *time.Time  `json:"mfg_date"`
	ExpDate            *time.Time  `json:"exp_date"`

	Drug  *Drug           `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
	Owner *BusinessEntity `json:"owner,omitempty" gorm:"foreignKey:OwnerID"`
}
