// internal/services/custody_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

var (
	errShortTransition = errors.New("registry transition touched fewer tokens than requested")
	errInvoiceSettled  = errors.New("invoice is no longer open for confirmation")
)

// openInvoice addresses an invoice row that may still take a transaction
// hash: it is in openStatus and not yet confirmed.
type openInvoice struct {
	model      interface{}
	id         uuid.UUID
	openStatus interface{}
}

func manufacturerInvoiceRow(id uuid.UUID) openInvoice {
	return openInvoice{model: &models.ManufacturerInvoice{}, id: id, openStatus: models.InvoiceStatusPending}
}

func commercialInvoiceRow(id uuid.UUID) openInvoice {
	return openInvoice{model: &models.CommercialInvoice{}, id: id, openStatus: models.CommercialInvoiceStatusDraft}
}

// scope filters tx down to the row while it is still open.
func (o openInvoice) scope(tx *gorm.DB) *gorm.DB {
	return tx.Model(o.model).
		Where("id = ? AND status = ? AND confirmation_state <> ?", o.id, o.openStatus, models.ConfirmationConfirmed)
}

// CustodyNotifier tells the receiving party that an invoice was sent.
type CustodyNotifier interface {
	NotifyInvoiceSent(ctx context.Context, notice InvoiceSentNotice) error
}

type InvoiceSentNotice struct {
	InvoiceType    models.InvoiceType
	InvoiceNumber  string
	SenderName     string
	RecipientName  string
	RecipientEmail string
	Quantity       int
	FinalAmount    float64
	TxHash         string
}

// CertificateArchiver stores the custody certificate of a completed pharmacy
// delivery and returns where it was written.
type CertificateArchiver interface {
	ArchiveCustodyCertificate(ctx context.Context, cert *CustodyCertificate) (string, error)
}

type CustodyCertificate struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Distributor   string    `json:"distributor"`
	Pharmacy      string    `json:"pharmacy"`
	DrugID        string    `json:"drug_id,omitempty"`
	TokenIDs      []string  `json:"token_ids"`
	TxHash        string    `json:"tx_hash"`
	BlockNumber   uint64    `json:"block_number"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

type CustodyDeps struct {
	Registry            *TokenRegistry
	Ledger              *BlockchainService
	Resolver            *ProvenanceResolver
	Entities            *EntityService
	Notifier            CustodyNotifier
	Archiver            CertificateArchiver
	Metrics             *metrics.Metrics
	VerifyConfirmations bool
}

// CustodyService drives tokens through minted -> transferred -> sold and keeps
// invoices, proofs and the registry in step with the ledger.
type CustodyService struct {
	db                  *gorm.DB
	registry            *TokenRegistry
	ledger              *BlockchainService
	resolver            *ProvenanceResolver
	entities            *EntityService
	notifier            CustodyNotifier
	archiver            CertificateArchiver
	metrics             *metrics.Metrics
	verifyConfirmations bool
}

type PackageRequest struct {
	DrugID      uuid.UUID  `json:"drug_id" validate:"required"`
	Quantity    int        `json:"quantity" validate:"required,min=1,max=10000"`
	BatchNumber string     `json:"batch_number" validate:"max=100"`
	MfgDate     *time.Time `json:"mfg_date"`
	ExpDate     *time.Time `json:"exp_date"`
	MetadataURI string     `json:"metadata_uri" validate:"omitempty,max=500"`
	SigningKey  string     `json:"signing_key" validate:"required"`
}

type PackageResult struct {
	ProductionRecord *models.ProductionRecord `json:"production_record"`
	TokenIDs         []string                 `json:"token_ids"`
	TxHash           string                   `json:"tx_hash"`
	BlockNumber      uint64                   `json:"block_number"`
}

// InvoiceTerms are the commercial fields shared by both invoice types.
type InvoiceTerms struct {
	InvoiceDate *time.Time `json:"invoice_date"`
	UnitPrice   float64    `json:"unit_price" validate:"min=0"`
	VATRate     float64    `json:"vat_rate" validate:"min=0,max=100"`
	Notes       string     `json:"notes" validate:"max=2000"`
}

type DistributorTransferRequest struct {
	DistributorID uuid.UUID `json:"distributor_id" validate:"required"`
	TokenIDs      []string  `json:"token_ids" validate:"required,min=1,max=1000,dive,token_id"`
	Amounts       []int64   `json:"amounts" validate:"omitempty,dive,eq=1"`
	InvoiceTerms
	SigningKey string `json:"signing_key,omitempty"`
}

type ConfirmTransferRequest struct {
	TxHash string `json:"tx_hash" validate:"required,tx_hash"`
}

type CancelTransferRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type ConfirmReceiptRequest struct {
	ReceivedBy          map[string]interface{} `json:"received_by"`
	DeliveryAddress     string                 `json:"delivery_address" validate:"max=1000"`
	ShippingInfo        map[string]interface{} `json:"shipping_info"`
	Notes               string                 `json:"notes" validate:"max=2000"`
	DistributionDate    *time.Time             `json:"distribution_date"`
	DistributedQuantity int                    `json:"distributed_quantity" validate:"min=0"`
}

// LedgerCall is what a client-side signer needs to submit a two-phase transfer.
type LedgerCall struct {
	Method           string   `json:"method"`
	ContractAddress  string   `json:"contract_address,omitempty"`
	TokenIDs         []string `json:"token_ids"`
	Amounts          []int64  `json:"amounts"`
	RecipientAddress string   `json:"recipient_address"`
}

type InitiatedTransfer struct {
	InvoiceID         uuid.UUID                `json:"invoice_id"`
	InvoiceNumber     string                   `json:"invoice_number"`
	InvoiceStatus     string                   `json:"invoice_status"`
	ConfirmationState models.ConfirmationState `json:"confirmation_state"`
	LedgerCall        LedgerCall               `json:"ledger_call"`
}

type TransferResult struct {
	InvoiceID         uuid.UUID                `json:"invoice_id"`
	InvoiceNumber     string                   `json:"invoice_number"`
	InvoiceStatus     string                   `json:"invoice_status"`
	ConfirmationState models.ConfirmationState `json:"confirmation_state"`
	TxHash            string                   `json:"tx_hash,omitempty"`
	BlockNumber       uint64                   `json:"block_number,omitempty"`
	TokenIDs          []string                 `json:"token_ids"`
	AlreadyConfirmed  bool                     `json:"already_confirmed,omitempty"`
	CertificateURL    string                   `json:"certificate_url,omitempty"`
}

// Pending reports whether the ledger has not mined the transaction yet.
func (r *TransferResult) Pending() bool {
	return r.ConfirmationState == models.ConfirmationPendingConfirmation
}

type RecallResult struct {
	DrugID         uuid.UUID `json:"drug_id"`
	TokensRecalled int64     `json:"tokens_recalled"`
}

type transferPlan struct {
	tokenIDs  []string
	amounts   []int64
	tokens    []models.Token
	recipient *models.BusinessEntity
}

// consistencyGap describes a ledger success the registry could not mirror.
type consistencyGap struct {
	operation    string
	message      string
	resourceType string
	resourceID   *uuid.UUID
	txHash       string
	tokenIDs     []string
	cause        error
}

func NewCustodyService(db *gorm.DB, deps CustodyDeps) *CustodyService {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewProvenanceResolver(deps.Registry)
	}
	return &CustodyService{
		db:                  db,
		registry:            deps.Registry,
		ledger:              deps.Ledger,
		resolver:            resolver,
		entities:            deps.Entities,
		notifier:            deps.Notifier,
		archiver:            deps.Archiver,
		metrics:             deps.Metrics,
		verifyConfirmations: deps.VerifyConfirmations,
	}
}

// Package records a production run and mints one token per unit to the
// manufacturer. A failed mint removes the production record again.
func (s *CustodyService) Package(ctx context.Context, actor *Actor, req *PackageRequest) (result *PackageResult, err error) {
	defer func() { s.metrics.IncTransition("package", err) }()

	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.MfgDate != nil && req.ExpDate != nil && !req.ExpDate.After(*req.MfgDate) {
		return nil, apperrors.Validation("expiry date must be after manufacturing date")
	}
	if err := checkSigningKey(actor, req.SigningKey); err != nil {
		return nil, err
	}

	drug, err := s.loadDrug(ctx, req.DrugID)
	if err != nil {
		return nil, err
	}
	if drug.ManufacturerID != actor.EntityID() {
		return nil, apperrors.Forbidden("drug belongs to another manufacturer")
	}
	if drug.Status != models.DrugStatusActive {
		return nil, apperrors.Validation("only active drugs can be packaged")
	}

	record := &models.ProductionRecord{
		DrugID:         drug.ID,
		ManufacturerID: actor.EntityID(),
		Quantity:       req.Quantity,
		MfgDate:        req.MfgDate,
		ExpDate:        req.ExpDate,
		BatchNumber:    req.BatchNumber,
		MetadataURI:    req.MetadataURI,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to create production record")
	}

	minted, err := s.ledger.Mint(ctx, req.SigningKey, req.Quantity)
	if err != nil {
		s.discardProductionRecord(record.ID)
		return nil, err
	}

	// The ledger has minted; finish even if the caller went away.
	persistCtx := context.WithoutCancel(ctx)
	serialPrefix := record.BatchNumber
	if serialPrefix == "" {
		serialPrefix = "BATCH"
	}
	tokens := make([]models.Token, len(minted.TokenIDs))
	for i, id := range minted.TokenIDs {
		tokens[i] = models.Token{
			TokenID:            id,
			DrugID:             drug.ID,
			ProductionRecordID: record.ID,
			OwnerID:            actor.EntityID(),
			Status:             models.TokenStatusMinted,
			SerialNumber:       fmt.Sprintf("%s-%s", serialPrefix, id),
			BatchNumber:        record.BatchNumber,
			Unit:               "box",
			ContractAddress:    s.ledger.ContractAddress(),
			TxHash:             minted.TxHash,
			MfgDate:            record.MfgDate,
			ExpDate:            record.ExpDate,
		}
	}

	err = database.WithTransaction(s.db.WithContext(persistCtx), func(tx *gorm.DB) error {
		if err := s.registry.WithTx(tx).CreateMinted(persistCtx, tokens); err != nil {
			return err
		}
		return tx.Model(record).Updates(map[string]interface{}{
			"tx_hash":      minted.TxHash,
			"block_number": minted.BlockNumber,
		}).Error
	})
	if err != nil {
		// Keep the mint hash on the record so operators can replay the tokens.
		if recordErr := s.db.WithContext(persistCtx).Model(record).Updates(map[string]interface{}{
			"tx_hash":      minted.TxHash,
			"block_number": minted.BlockNumber,
		}).Error; recordErr != nil {
			logrus.WithError(recordErr).WithField("production_record_id", record.ID).Error("Failed to record mint hash")
		}
		return nil, s.reportConsistencyGap(persistCtx, consistencyGap{
			operation:    "package",
			message:      "tokens were minted but could not be recorded",
			resourceType: "production_record",
			resourceID:   &record.ID,
			txHash:       minted.TxHash,
			tokenIDs:     minted.TokenIDs,
			cause:        err,
		})
	}
	if len(minted.TokenIDs) != req.Quantity {
		return nil, s.reportConsistencyGap(persistCtx, consistencyGap{
			operation:    "package",
			message:      fmt.Sprintf("ledger minted %d tokens for a request of %d", len(minted.TokenIDs), req.Quantity),
			resourceType: "production_record",
			resourceID:   &record.ID,
			txHash:       minted.TxHash,
			tokenIDs:     minted.TokenIDs,
		})
	}

	record.TxHash = minted.TxHash
	record.BlockNumber = minted.BlockNumber
	record.Drug = drug

	logrus.WithFields(logrus.Fields{
		"production_record_id": record.ID,
		"drug_id":              drug.ID,
		"units":                len(tokens),
		"tx_hash":              minted.TxHash,
	}).Info("Production packaged")

	return &PackageResult{
		ProductionRecord: record,
		TokenIDs:         minted.TokenIDs,
		TxHash:           minted.TxHash,
		BlockNumber:      minted.BlockNumber,
	}, nil
}

// TransferToDistributor signs and submits the transfer server-side, then
// applies it. A ledger failure leaves the invoice pending and tokens untouched.
func (s *CustodyService) TransferToDistributor(ctx context.Context, actor *Actor, req *DistributorTransferRequest) (result *TransferResult, err error) {
	defer func() { s.metrics.IncTransition("transfer_to_distributor", err) }()

	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.SigningKey == "" {
		return nil, apperrors.Validation("signing_key is required for a synchronous transfer")
	}
	if err := checkSigningKey(actor, req.SigningKey); err != nil {
		return nil, err
	}

	plan, err := s.planTransfer(ctx, actor, req.TokenIDs, req.Amounts, req.DistributorID, models.RoleDistributor, models.TokenStatusMinted)
	if err != nil {
		return nil, err
	}
	invoice, err := s.createManufacturerInvoice(ctx, actor, plan, req.InvoiceTerms, models.TransferProtocolSync)
	if err != nil {
		return nil, err
	}

	receipt, err := s.ledger.Transfer(ctx, blockchain.TransferRequest{
		SigningKey: req.SigningKey,
		TokenIDs:   plan.tokenIDs,
		Amounts:    plan.amounts,
		Recipient:  plan.recipient.WalletAddress,
		Leg:        blockchain.LegToDistributor,
	})
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		return nil, s.failTransfer(persistCtx, manufacturerInvoiceRow(invoice.ID), err)
	}

	if err := s.recordPendingHash(persistCtx, manufacturerInvoiceRow(invoice.ID), receipt.TxHash, receipt.BlockNumber); err != nil {
		return nil, s.reportConsistencyGap(persistCtx, consistencyGap{
			operation:    "transfer_to_distributor",
			message:      "transfer was mined but could not be recorded",
			resourceType: "manufacturer_invoice",
			resourceID:   &invoice.ID,
			txHash:       receipt.TxHash,
			tokenIDs:     plan.tokenIDs,
			cause:        err,
		})
	}
	return s.applyDistributorTransfer(persistCtx, invoice, receipt.TxHash, receipt.BlockNumber)
}

// InitiateDistributorTransfer records the invoice and its token lines and
// returns the ledger call for the manufacturer to sign.
func (s *CustodyService) InitiateDistributorTransfer(ctx context.Context, actor *Actor, req *DistributorTransferRequest) (result *InitiatedTransfer, err error) {
	defer func() { s.metrics.IncTransition("initiate_distributor_transfer", err) }()

	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	plan, err := s.planTransfer(ctx, actor, req.TokenIDs, req.Amounts, req.DistributorID, models.RoleDistributor, models.TokenStatusMinted)
	if err != nil {
		return nil, err
	}
	invoice, err := s.createManufacturerInvoice(ctx, actor, plan, req.InvoiceTerms, models.TransferProtocolTwoPhase)
	if err != nil {
		return nil, err
	}

	return &InitiatedTransfer{
		InvoiceID:         invoice.ID,
		InvoiceNumber:     invoice.InvoiceNumber,
		InvoiceStatus:     string(invoice.Status),
		ConfirmationState: invoice.ConfirmationState,
		LedgerCall:        s.ledgerCall(blockchain.LegToDistributor, plan),
	}, nil
}

// ConfirmDistributorTransfer applies a client-submitted transaction. Calling
// it again with the same hash returns the recorded outcome.
func (s *CustodyService) ConfirmDistributorTransfer(ctx context.Context, actor *Actor, invoiceID uuid.UUID, txHash string) (result *TransferResult, err error) {
	defer func() { s.metrics.IncTransition("confirm_distributor_transfer", err) }()

	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if !blockchain.IsTxHash(txHash) {
		return nil, apperrors.Validation("tx_hash must be a 0x-prefixed 64 hex character transaction hash")
	}

	invoice, err := s.loadManufacturerInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.FromManufacturerID != actor.EntityID() {
		return nil, apperrors.Forbidden("invoice belongs to another manufacturer")
	}

	if settled, err := s.settledManufacturerTransfer(ctx, invoice, txHash); settled != nil || err != nil {
		return settled, err
	}

	return s.confirmSubmission(ctx, manufacturerInvoiceRow(invoice.ID), txHash,
		func(ctx context.Context, block uint64) (*TransferResult, error) {
			return s.applyDistributorTransfer(ctx, invoice, txHash, block)
		},
		func(ctx context.Context) (*TransferResult, error) {
			return s.reloadManufacturerTransfer(ctx, invoice.ID, txHash)
		},
		func() (*TransferResult, error) {
			invoice.TxHash = txHash
			invoice.ConfirmationState = models.ConfirmationPendingConfirmation
			tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeManufacturer, invoice.ID)
			if err != nil {
				return nil, apperrors.Internal(err, "failed to load invoice tokens")
			}
			return manufacturerTransferResult(invoice, tokenIDs), nil
		})
}

// ConfirmReceipt records that the distributor received a sent invoice.
func (s *CustodyService) ConfirmReceipt(ctx context.Context, actor *Actor, invoiceID uuid.UUID, req *ConfirmReceiptRequest) (proof *models.ProofOfDistribution, err error) {
	defer func() { s.metrics.IncTransition("confirm_receipt", err) }()

	if err := requireRole(actor, models.RoleDistributor); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	invoice, err := s.loadManufacturerInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.ToDistributorID != actor.EntityID() {
		return nil, apperrors.Forbidden("invoice is addressed to another distributor")
	}
	if invoice.Status != models.InvoiceStatusSent && invoice.Status != models.InvoiceStatusPaid {
		return nil, apperrors.Validation("invoice must be sent before receipt can be confirmed")
	}
	quantity := req.DistributedQuantity
	if quantity == 0 {
		quantity = invoice.Quantity
	}
	if quantity > invoice.Quantity {
		return nil, apperrors.Validation("distributed quantity exceeds invoice quantity")
	}

	now := time.Now()
	distributionDate := req.DistributionDate
	if distributionDate == nil {
		distributionDate = &now
	}

	var existing models.ProofOfDistribution
	lookup := s.db.WithContext(ctx).Where("manufacturer_invoice_id = ?", invoice.ID).First(&existing)
	if lookup.Error != nil && !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
		return nil, apperrors.Internal(lookup.Error, "failed to load proof of distribution")
	}

	proof = &existing
	if errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
		proof = &models.ProofOfDistribution{
			ManufacturerInvoiceID: invoice.ID,
			DistributorID:         invoice.ToDistributorID,
			ManufacturerID:        invoice.FromManufacturerID,
		}
	}
	proof.Status = models.DistributionStatusConfirmed
	proof.ReceivedBy = models.JSONB(req.ReceivedBy)
	proof.DeliveryAddress = req.DeliveryAddress
	proof.ShippingInfo = models.JSONB(req.ShippingInfo)
	proof.Notes = req.Notes
	proof.DistributionDate = distributionDate
	proof.DistributedQuantity = quantity
	proof.ConfirmedAt = &now

	if err := s.db.WithContext(ctx).Save(proof).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to save proof of distribution")
	}

	logrus.WithFields(logrus.Fields{
		"invoice_id":     invoice.ID,
		"distributor_id": actor.EntityID(),
		"quantity":       quantity,
	}).Info("Receipt confirmed")
	return proof, nil
}

// CancelTransfer withdraws a pending invoice that has no submitted transaction.
func (s *CustodyService) CancelTransfer(ctx context.Context, actor *Actor, invoiceID uuid.UUID, reason string) (invoice *models.ManufacturerInvoice, err error) {
	defer func() { s.metrics.IncTransition("cancel_transfer", err) }()

	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	invoice, err = s.loadManufacturerInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.FromManufacturerID != actor.EntityID() {
		return nil, apperrors.Forbidden("invoice belongs to another manufacturer")
	}
	if invoice.Status != models.InvoiceStatusPending {
		return nil, apperrors.Validation("only pending invoices can be cancelled")
	}
	if invoice.ConfirmationState == models.ConfirmationPendingConfirmation {
		return nil, apperrors.Validation("a ledger transaction for this invoice is awaiting confirmation")
	}

	res := s.db.WithContext(ctx).Model(&models.ManufacturerInvoice{}).
		Where("id = ? AND status = ? AND confirmation_state <> ?", invoice.ID, models.InvoiceStatusPending, models.ConfirmationPendingConfirmation).
		Updates(map[string]interface{}{
			"status":        models.InvoiceStatusCancelled,
			"cancel_reason": reason,
		})
	if res.Error != nil {
		return nil, apperrors.Internal(res.Error, "failed to cancel invoice")
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.Validation("invoice changed while cancelling; reload and retry")
	}

	invoice.Status = models.InvoiceStatusCancelled
	invoice.CancelReason = reason
	logrus.WithField("invoice_id", invoice.ID).Info("Transfer cancelled")
	return invoice, nil
}

// RecallDrug marks a drug recalled and moves its tokens still in the supply
// chain to recalled. Sold tokens keep their status.
func (s *CustodyService) RecallDrug(ctx context.Context, actor *Actor, drugID uuid.UUID, reason string) (result *RecallResult, err error) {
	defer func() { s.metrics.IncTransition("recall_drug", err) }()

	if err := requireRole(actor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	drug, err := s.loadDrug(ctx, drugID)
	if err != nil {
		return nil, err
	}

	var recalled int64
	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Model(drug).Update("status", models.DrugStatusRecalled).Error; err != nil {
			return err
		}
		var err error
		recalled, err = s.registry.WithTx(tx).SetStatusByDrug(ctx, drug.ID,
			[]models.TokenStatus{models.TokenStatusMinted, models.TokenStatusTransferred},
			models.TokenStatusRecalled)
		return err
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to recall drug")
	}

	logrus.WithFields(logrus.Fields{
		"drug_id":  drug.ID,
		"tokens":   recalled,
		"reason":   reason,
		"admin_id": actor.UserID,
	}).Warn("Drug recalled")
	return &RecallResult{DrugID: drug.ID, TokensRecalled: recalled}, nil
}

func (s *CustodyService) applyDistributorTransfer(ctx context.Context, invoice *models.ManufacturerInvoice, txHash string, block uint64) (*TransferResult, error) {
	tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeManufacturer, invoice.ID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load invoice tokens")
	}
	if len(tokenIDs) == 0 {
		return nil, apperrors.Validation("invoice has no recorded tokens")
	}

	now := time.Now()
	var moved int64
	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		// Claim the invoice first so a concurrent confirm or cancel loses here
		// instead of at the token update.
		res := manufacturerInvoiceRow(invoice.ID).scope(tx).Updates(map[string]interface{}{
			"status":             models.InvoiceStatusSent,
			"confirmation_state": models.ConfirmationConfirmed,
			"tx_hash":            txHash,
			"block_number":       block,
			"sent_at":            now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInvoiceSettled
		}

		var err error
		moved, err = s.registry.WithTx(tx).BulkTransition(ctx, Transition{
			TokenIDs:     tokenIDs,
			FromOwner:    invoice.FromManufacturerID,
			FromStatuses: []models.TokenStatus{models.TokenStatusMinted},
			ToStatus:     models.TokenStatusTransferred,
			ToOwner:      invoice.ToDistributorID,
			TxHash:       txHash,
		})
		if err != nil {
			return err
		}
		if moved != int64(len(tokenIDs)) {
			return errShortTransition
		}
		return nil
	})
	if errors.Is(err, errInvoiceSettled) {
		return s.reloadManufacturerTransfer(ctx, invoice.ID, txHash)
	}
	if err != nil {
		if recordErr := s.recordPendingHash(ctx, manufacturerInvoiceRow(invoice.ID), txHash, block); recordErr != nil {
			logrus.WithError(recordErr).WithField("invoice_id", invoice.ID).Error("Failed to record transaction hash")
		}
		message := "transfer was mined but the registry could not be updated"
		if errors.Is(err, errShortTransition) {
			message = fmt.Sprintf("registry moved %d of %d tokens for a mined transfer", moved, len(tokenIDs))
			err = nil
		}
		return nil, s.reportConsistencyGap(ctx, consistencyGap{
			operation:    "transfer_to_distributor",
			message:      message,
			resourceType: "manufacturer_invoice",
			resourceID:   &invoice.ID,
			txHash:       txHash,
			tokenIDs:     tokenIDs,
			cause:        err,
		})
	}

	invoice.Status = models.InvoiceStatusSent
	invoice.ConfirmationState = models.ConfirmationConfirmed
	invoice.TxHash = txHash
	invoice.BlockNumber = block
	invoice.SentAt = &now

	logrus.WithFields(logrus.Fields{
		"invoice_id": invoice.ID,
		"tokens":     len(tokenIDs),
		"tx_hash":    txHash,
	}).Info("Transfer to distributor applied")

	s.notifyInvoiceSent(models.InvoiceTypeManufacturer, invoice.InvoiceNumber, invoice.FromManufacturerID, invoice.ToDistributorID,
		invoice.Quantity, invoice.FinalAmount, txHash)
	return manufacturerTransferResult(invoice, tokenIDs), nil
}

// confirmSubmission records the submitted hash, then applies the transfer once
// the ledger reports it mined. Unknown transactions stay pending for the
// reconciler.
func (s *CustodyService) confirmSubmission(
	ctx context.Context,
	row openInvoice,
	txHash string,
	apply func(ctx context.Context, block uint64) (*TransferResult, error),
	reload func(ctx context.Context) (*TransferResult, error),
	pending func() (*TransferResult, error),
) (*TransferResult, error) {
	invoiceID := row.id
	persistCtx := context.WithoutCancel(ctx)
	if err := s.recordPendingHash(persistCtx, row, txHash, 0); err != nil {
		if errors.Is(err, errInvoiceSettled) {
			return reload(persistCtx)
		}
		return nil, apperrors.Internal(err, "failed to record transaction hash")
	}
	if !s.verifyConfirmations {
		return apply(persistCtx, 0)
	}

	lookup, err := s.ledger.LookupTransaction(ctx, txHash)
	if err != nil {
		return nil, withLedgerDetails(err, map[string]interface{}{
			"invoice_id":         invoiceID,
			"tx_hash":            txHash,
			"confirmation_state": models.ConfirmationPendingConfirmation,
		})
	}

	switch lookup.Status {
	case blockchain.TxStatusSuccess:
		return apply(persistCtx, lookup.BlockNumber)
	case blockchain.TxStatusFailed:
		return nil, s.failTransfer(persistCtx, row, apperrors.Ledger(nil, "ledger transaction reverted"))
	default:
		return pending()
	}
}

func (s *CustodyService) planTransfer(ctx context.Context, actor *Actor, tokenIDs []string, amounts []int64, recipientID uuid.UUID, recipientRole models.Role, fromStatus models.TokenStatus) (*transferPlan, error) {
	if len(amounts) > 0 && len(amounts) != len(tokenIDs) {
		return nil, apperrors.Validation("amounts must match token_ids in length")
	}
	unique := dedupeTokenIDs(tokenIDs)
	ones := make([]int64, len(unique))
	for i := range ones {
		ones[i] = 1
	}

	recipient, err := s.entities.GetEntity(ctx, recipientID, recipientRole)
	if err != nil {
		return nil, err
	}
	if recipient.Status != models.EntityStatusActive {
		return nil, apperrors.Validation(string(recipientRole) + " is inactive")
	}
	if !blockchain.IsAddress(recipient.WalletAddress) {
		return nil, apperrors.Validation(string(recipientRole) + " has no valid wallet address")
	}

	ownership, err := s.registry.OwnershipCheck(ctx, unique, actor.EntityID(), []models.TokenStatus{fromStatus})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to check token ownership")
	}
	if !ownership.Valid {
		return nil, apperrors.Forbidden(fmt.Sprintf("%d token(s) are not owned by you with status %s", len(ownership.MissingIDs), fromStatus)).
			WithDetails(map[string]interface{}{"missing_token_ids": ownership.MissingIDs})
	}

	return &transferPlan{
		tokenIDs:  unique,
		amounts:   ones,
		tokens:    ownership.Tokens,
		recipient: recipient,
	}, nil
}

func (s *CustodyService) createManufacturerInvoice(ctx context.Context, actor *Actor, plan *transferPlan, terms InvoiceTerms, protocol models.TransferProtocol) (*models.ManufacturerInvoice, error) {
	now := time.Now()
	number, err := utils.GenerateInvoiceNumber("INV", now)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to generate invoice number")
	}
	invoiceDate := now
	if terms.InvoiceDate != nil {
		invoiceDate = *terms.InvoiceDate
	}
	quantity := len(plan.tokenIDs)
	total, vat, final := invoiceAmounts(quantity, terms.UnitPrice, terms.VATRate)
	productionID, drugID := sharedOrigin(plan.tokens)

	invoice := &models.ManufacturerInvoice{
		FromManufacturerID: actor.EntityID(),
		ToDistributorID:    plan.recipient.ID,
		ProductionRecordID: productionID,
		DrugID:             drugID,
		InvoiceNumber:      number,
		InvoiceDate:        invoiceDate,
		Quantity:           quantity,
		UnitPrice:          terms.UnitPrice,
		TotalAmount:        total,
		VATRate:            terms.VATRate,
		VATAmount:          vat,
		FinalAmount:        final,
		Notes:              terms.Notes,
		Status:             models.InvoiceStatusPending,
		Protocol:           protocol,
		ConfirmationState:  models.ConfirmationAwaitingSignature,
	}

	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return err
		}
		lines := invoiceLines(models.InvoiceTypeManufacturer, invoice.ID, plan)
		return tx.Create(&lines).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to create invoice")
	}
	invoice.ToDistributor = plan.recipient

	logrus.WithFields(logrus.Fields{
		"invoice_id":     invoice.ID,
		"invoice_number": invoice.InvoiceNumber,
		"protocol":       protocol,
		"tokens":         quantity,
	}).Info("Manufacturer invoice created")
	return invoice, nil
}

func (s *CustodyService) ledgerCall(leg blockchain.Leg, plan *transferPlan) LedgerCall {
	return LedgerCall{
		Method:           leg.ContractMethod(),
		ContractAddress:  s.ledger.ContractAddress(),
		TokenIDs:         plan.tokenIDs,
		Amounts:          plan.amounts,
		RecipientAddress: plan.recipient.WalletAddress,
	}
}

// recordPendingHash anchors txHash on an open invoice. It returns
// errInvoiceSettled when the invoice was confirmed or cancelled meanwhile, or
// when a different hash took the pending slot first.
func (s *CustodyService) recordPendingHash(ctx context.Context, row openInvoice, txHash string, block uint64) error {
	updates := map[string]interface{}{
		"tx_hash":            txHash,
		"confirmation_state": models.ConfirmationPendingConfirmation,
	}
	if block > 0 {
		updates["block_number"] = block
	}
	res := row.scope(s.db.WithContext(ctx)).
		Where("NOT (confirmation_state = ? AND tx_hash <> '' AND LOWER(tx_hash) <> LOWER(?))",
			models.ConfirmationPendingConfirmation, txHash).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errInvoiceSettled
	}
	return nil
}

// failTransfer marks the ledger side failed and returns cause as a LEDGER_ERROR
// carrying the invoice id.
func (s *CustodyService) failTransfer(ctx context.Context, row openInvoice, cause error) error {
	err := row.scope(s.db.WithContext(ctx)).
		Update("confirmation_state", models.ConfirmationFailed).Error
	if err != nil {
		logrus.WithError(err).WithField("invoice_id", row.id).Error("Failed to mark transfer as failed")
	}
	return withLedgerDetails(cause, map[string]interface{}{
		"invoice_id":         row.id,
		"confirmation_state": models.ConfirmationFailed,
	})
}

func (s *CustodyService) reportConsistencyGap(ctx context.Context, gap consistencyGap) error {
	details := map[string]interface{}{
		"operation": gap.operation,
		"tx_hash":   gap.txHash,
		"token_ids": gap.tokenIDs,
	}
	if gap.resourceID != nil {
		details[gap.resourceType+"_id"] = gap.resourceID.String()
	}

	entry := logrus.WithFields(logrus.Fields{
		"operation": gap.operation,
		"tx_hash":   gap.txHash,
		"tokens":    len(gap.tokenIDs),
	})
	if gap.cause != nil {
		entry = entry.WithError(gap.cause)
	}
	entry.Error("Ledger and registry out of sync")

	s.notifyAdmins(ctx, models.NotificationConsistencyGap, "Ledger and registry out of sync", gap.message,
		gap.resourceType, gap.resourceID, details)

	return apperrors.Wrap(apperrors.CodeConsistency, gap.cause, gap.message).WithDetails(details)
}

// notifyAdmins stores an operator notification unless an unread one already
// exists for the same resource and type.
func (s *CustodyService) notifyAdmins(ctx context.Context, kind, title, message, resourceType string, resourceID *uuid.UUID, details map[string]interface{}) {
	if resourceID != nil {
		var existing int64
		err := s.db.WithContext(ctx).Model(&models.AdminNotification{}).
			Where("type = ? AND related_resource_id = ? AND status = ?", kind, *resourceID, "unread").
			Count(&existing).Error
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"type":        kind,
				"resource_id": *resourceID,
			}).Error("Failed to check for an open admin notification")
			return
		}
		if existing > 0 {
			return
		}
	}

	notification := &models.AdminNotification{
		Type:                kind,
		Title:               title,
		Message:             message,
		Priority:            "high",
		Status:              "unread",
		RelatedResourceType: resourceType,
		RelatedResourceID:   resourceID,
		Details:             models.JSONB(details),
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		logrus.WithError(err).WithField("type", kind).Error("Failed to create admin notification")
	}
}

func (s *CustodyService) notifyInvoiceSent(invoiceType models.InvoiceType, number string, senderID, recipientID uuid.UUID, quantity int, amount float64, txHash string) {
	if s.notifier == nil {
		return
	}

	var parties []models.BusinessEntity
	if err := s.db.Where("id IN ?", []uuid.UUID{senderID, recipientID}).Find(&parties).Error; err != nil {
		logrus.WithError(err).Warn("Failed to load invoice parties for notification")
		return
	}
	notice := InvoiceSentNotice{
		InvoiceType:   invoiceType,
		InvoiceNumber: number,
		Quantity:      quantity,
		FinalAmount:   amount,
		TxHash:        txHash,
	}
	for _, p := range parties {
		switch p.ID {
		case senderID:
			notice.SenderName = p.Name
		case recipientID:
			notice.RecipientName = p.Name
			notice.RecipientEmail = p.Email
		}
	}
	if notice.RecipientEmail == "" {
		return
	}

	go func() {
		if err := s.notifier.NotifyInvoiceSent(context.Background(), notice); err != nil {
			logrus.WithError(err).WithField("invoice_number", number).Warn("Failed to send invoice notification")
		}
	}()
}

func (s *CustodyService) loadDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error) {
	var drug models.Drug
	if err := s.db.WithContext(ctx).First(&drug, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("drug not found")
		}
		return nil, apperrors.Internal(err, "failed to load drug")
	}
	return &drug, nil
}

// settledManufacturerTransfer answers a confirm against an invoice that can no
// longer take txHash. It returns nil, nil while the invoice is still open.
func (s *CustodyService) settledManufacturerTransfer(ctx context.Context, invoice *models.ManufacturerInvoice, txHash string) (*TransferResult, error) {
	switch invoice.Status {
	case models.InvoiceStatusSent, models.InvoiceStatusPaid:
		if !strings.EqualFold(invoice.TxHash, txHash) {
			return nil, apperrors.Validation("invoice is already confirmed with a different transaction hash")
		}
		tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeManufacturer, invoice.ID)
		if err != nil {
			return nil, apperrors.Internal(err, "failed to load invoice tokens")
		}
		confirmed := manufacturerTransferResult(invoice, tokenIDs)
		confirmed.AlreadyConfirmed = true
		return confirmed, nil
	case models.InvoiceStatusCancelled:
		return nil, apperrors.Validation("invoice is cancelled")
	}
	return nil, checkSubmittedHash(invoice.ConfirmationState, invoice.TxHash, txHash)
}

// reloadManufacturerTransfer settles a confirm that lost a race on the invoice row.
func (s *CustodyService) reloadManufacturerTransfer(ctx context.Context, invoiceID uuid.UUID, txHash string) (*TransferResult, error) {
	invoice, err := s.loadManufacturerInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	settled, err := s.settledManufacturerTransfer(ctx, invoice, txHash)
	if settled != nil || err != nil {
		return settled, err
	}
	return nil, apperrors.Validation("invoice changed while confirming; reload and retry")
}

func (s *CustodyService) loadManufacturerInvoice(ctx context.Context, id uuid.UUID) (*models.ManufacturerInvoice, error) {
	var invoice models.ManufacturerInvoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("invoice not found")
		}
		return nil, apperrors.Internal(err, "failed to load invoice")
	}
	return &invoice, nil
}

func (s *CustodyService) invoiceTokenIDs(ctx context.Context, invoiceType models.InvoiceType, invoiceID uuid.UUID) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.InvoiceToken{}).
		Where("invoice_type = ? AND invoice_id = ?", invoiceType, invoiceID).
		Order("position ASC").
		Pluck("token_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *CustodyService) discardProductionRecord(id uuid.UUID) {
	if err := s.db.Delete(&models.ProductionRecord{}, "id = ?", id).Error; err != nil {
		logrus.WithError(err).WithField("production_record_id", id).Error("Failed to remove production record after mint failure")
	}
}

// checkSigningKey rejects keys that do not control the caller's wallet.
func checkSigningKey(actor *Actor, key string) error {
	address, err := blockchain.AddressFromKey(key)
	if err != nil {
		return apperrors.Validation("signing_key is not a valid private key")
	}
	if wallet := actor.WalletAddress(); wallet != "" && !blockchain.SameAddress(address, wallet) {
		return apperrors.Forbidden("signing key does not control the entity wallet")
	}
	return nil
}

// checkSubmittedHash refuses a second hash while another one awaits confirmation.
func checkSubmittedHash(state models.ConfirmationState, recorded, submitted string) error {
	if state == models.ConfirmationPendingConfirmation && recorded != "" && !strings.EqualFold(recorded, submitted) {
		return apperrors.Validation("another transaction hash is awaiting confirmation for this invoice")
	}
	return nil
}

func withLedgerDetails(err error, details map[string]interface{}) error {
	if typed := apperrors.As(err); typed != nil {
		return typed.WithDetails(details)
	}
	return apperrors.Ledger(err, "ledger call failed").WithDetails(details)
}

func invoiceLines(invoiceType models.InvoiceType, invoiceID uuid.UUID, plan *transferPlan) []models.InvoiceToken {
	lines := make([]models.InvoiceToken, len(plan.tokenIDs))
	for i, id := range plan.tokenIDs {
		lines[i] = models.InvoiceToken{
			InvoiceType: invoiceType,
			InvoiceID:   invoiceID,
			TokenID:     id,
			Amount:      plan.amounts[i],
			Position:    i,
		}
	}
	return lines
}

// sharedOrigin returns the production record all tokens come from, if any,
// and their drug (the first token's when they differ).
func sharedOrigin(tokens []models.Token) (*uuid.UUID, *uuid.UUID) {
	if len(tokens) == 0 {
		return nil, nil
	}
	production := tokens[0].ProductionRecordID
	drug := tokens[0].DrugID
	sameProduction := true
	for _, t := range tokens[1:] {
		if t.ProductionRecordID != production {
			sameProduction = false
			break
		}
	}
	if !sameProduction {
		return nil, &drug
	}
	return &production, &drug
}

func manufacturerTransferResult(invoice *models.ManufacturerInvoice, tokenIDs []string) *TransferResult {
	return &TransferResult{
		InvoiceID:         invoice.ID,
		InvoiceNumber:     invoice.InvoiceNumber,
		InvoiceStatus:     string(invoice.Status),
		ConfirmationState: invoice.ConfirmationState,
		TxHash:            invoice.TxHash,
		BlockNumber:       invoice.BlockNumber,
		TokenIDs:          tokenIDs,
	}
}
