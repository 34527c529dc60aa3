// internal/services/custody_pharmacy.go
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
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

type PharmacyTransferRequest struct {
	PharmacyID      uuid.UUID `json:"pharmacy_id" validate:"required"`
	TokenIDs        []string  `json:"token_ids" validate:"required,min=1,max=1000,dive,token_id"`
	Amounts         []int64   `json:"amounts" validate:"omitempty,dive,eq=1"`
	DeliveryAddress string    `json:"delivery_address" validate:"max=1000"`
	InvoiceTerms
	SigningKey string `json:"signing_key,omitempty"`
}

// InitiatePharmacyTransfer creates a draft commercial invoice, a pending
// pharmacy proof and the token lines, and returns the ledger call to sign.
func (s *CustodyService) InitiatePharmacyTransfer(ctx context.Context, actor *Actor, req *PharmacyTransferRequest) (result *InitiatedTransfer, err error) {
	defer func() { s.metrics.IncTransition("initiate_pharmacy_transfer", err) }()

	if err := requireRole(actor, models.RoleDistributor); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	plan, err := s.planTransfer(ctx, actor, req.TokenIDs, req.Amounts, req.PharmacyID, models.RolePharmacy, models.TokenStatusTransferred)
	if err != nil {
		return nil, err
	}
	invoice, err := s.createCommercialInvoice(ctx, actor, plan, req, models.TransferProtocolTwoPhase)
	if err != nil {
		return nil, err
	}

	return &InitiatedTransfer{
		InvoiceID:         invoice.ID,
		InvoiceNumber:     invoice.InvoiceNumber,
		InvoiceStatus:     string(invoice.Status),
		ConfirmationState: invoice.ConfirmationState,
		LedgerCall:        s.ledgerCall(blockchain.LegToPharmacy, plan),
	}, nil
}

// TransferToPharmacy is the server-signed variant of the pharmacy leg.
func (s *CustodyService) TransferToPharmacy(ctx context.Context, actor *Actor, req *PharmacyTransferRequest) (result *TransferResult, err error) {
	defer func() { s.metrics.IncTransition("transfer_to_pharmacy", err) }()

	if err := requireRole(actor, models.RoleDistributor); err != nil {
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

	plan, err := s.planTransfer(ctx, actor, req.TokenIDs, req.Amounts, req.PharmacyID, models.RolePharmacy, models.TokenStatusTransferred)
	if err != nil {
		return nil, err
	}
	invoice, err := s.createCommercialInvoice(ctx, actor, plan, req, models.TransferProtocolSync)
	if err != nil {
		return nil, err
	}

	receipt, err := s.ledger.Transfer(ctx, blockchain.TransferRequest{
		SigningKey: req.SigningKey,
		TokenIDs:   plan.tokenIDs,
		Amounts:    plan.amounts,
		Recipient:  plan.recipient.WalletAddress,
		Leg:        blockchain.LegToPharmacy,
	})
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		return nil, s.failTransfer(persistCtx, commercialInvoiceRow(invoice.ID), err)
	}

	if err := s.recordPendingHash(persistCtx, commercialInvoiceRow(invoice.ID), receipt.TxHash, receipt.BlockNumber); err != nil {
		return nil, s.reportConsistencyGap(persistCtx, consistencyGap{
			operation:    "transfer_to_pharmacy",
			message:      "transfer was mined but could not be recorded",
			resourceType: "commercial_invoice",
			resourceID:   &invoice.ID,
			txHash:       receipt.TxHash,
			tokenIDs:     plan.tokenIDs,
			cause:        err,
		})
	}
	return s.applyPharmacyTransfer(persistCtx, invoice, receipt.TxHash, receipt.BlockNumber)
}

// ConfirmPharmacyTransfer applies a client-submitted pharmacy transfer. The
// same hash may be confirmed any number of times; a different one may not.
func (s *CustodyService) ConfirmPharmacyTransfer(ctx context.Context, actor *Actor, invoiceID uuid.UUID, txHash string) (result *TransferResult, err error) {
	defer func() { s.metrics.IncTransition("confirm_pharmacy_transfer", err) }()

	if err := requireRole(actor, models.RoleDistributor); err != nil {
		return nil, err
	}
	if !blockchain.IsTxHash(txHash) {
		return nil, apperrors.Validation("tx_hash must be a 0x-prefixed 64 hex character transaction hash")
	}

	invoice, err := s.loadCommercialInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.FromDistributorID != actor.EntityID() {
		return nil, apperrors.Forbidden("invoice belongs to another distributor")
	}

	if settled, err := s.settledPharmacyTransfer(ctx, invoice, txHash); settled != nil || err != nil {
		return settled, err
	}

	return s.confirmSubmission(ctx, commercialInvoiceRow(invoice.ID), txHash,
		func(ctx context.Context, block uint64) (*TransferResult, error) {
			return s.applyPharmacyTransfer(ctx, invoice, txHash, block)
		},
		func(ctx context.Context) (*TransferResult, error) {
			return s.reloadPharmacyTransfer(ctx, invoice.ID, txHash)
		},
		func() (*TransferResult, error) {
			invoice.TxHash = txHash
			invoice.ConfirmationState = models.ConfirmationPendingConfirmation
			tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeCommercial, invoice.ID)
			if err != nil {
				return nil, apperrors.Internal(err, "failed to load invoice tokens")
			}
			return commercialTransferResult(invoice, tokenIDs), nil
		})
}

func (s *CustodyService) applyPharmacyTransfer(ctx context.Context, invoice *models.CommercialInvoice, txHash string, block uint64) (*TransferResult, error) {
	tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeCommercial, invoice.ID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load invoice tokens")
	}
	if len(tokenIDs) == 0 {
		return nil, apperrors.Validation("invoice has no recorded tokens")
	}

	now := time.Now()
	var moved int64
	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		res := commercialInvoiceRow(invoice.ID).scope(tx).Updates(map[string]interface{}{
			"status":             models.CommercialInvoiceStatusSent,
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
			FromOwner:    invoice.FromDistributorID,
			FromStatuses: []models.TokenStatus{models.TokenStatusTransferred},
			ToStatus:     models.TokenStatusSold,
			ToOwner:      invoice.ToPharmacyID,
			TxHash:       txHash,
		})
		if err != nil {
			return err
		}
		if moved != int64(len(tokenIDs)) {
			return errShortTransition
		}
		return tx.Model(&models.ProofOfPharmacy{}).Where("commercial_invoice_id = ?", invoice.ID).Updates(map[string]interface{}{
			"status":            models.PharmacyProofStatusReceived,
			"receipt_date":      now,
			"received_quantity": moved,
			"receipt_tx_hash":   txHash,
		}).Error
	})
	if errors.Is(err, errInvoiceSettled) {
		return s.reloadPharmacyTransfer(ctx, invoice.ID, txHash)
	}
	if err != nil {
		if recordErr := s.recordPendingHash(ctx, commercialInvoiceRow(invoice.ID), txHash, block); recordErr != nil {
			logrus.WithError(recordErr).WithField("invoice_id", invoice.ID).Error("Failed to record transaction hash")
		}
		message := "transfer was mined but the registry could not be updated"
		if errors.Is(err, errShortTransition) {
			message = fmt.Sprintf("registry moved %d of %d tokens for a mined transfer", moved, len(tokenIDs))
			err = nil
		}
		return nil, s.reportConsistencyGap(ctx, consistencyGap{
			operation:    "transfer_to_pharmacy",
			message:      message,
			resourceType: "commercial_invoice",
			resourceID:   &invoice.ID,
			txHash:       txHash,
			tokenIDs:     tokenIDs,
			cause:        err,
		})
	}

	invoice.Status = models.CommercialInvoiceStatusSent
	invoice.ConfirmationState = models.ConfirmationConfirmed
	invoice.TxHash = txHash
	invoice.BlockNumber = block
	invoice.SentAt = &now

	logrus.WithFields(logrus.Fields{
		"invoice_id": invoice.ID,
		"tokens":     len(tokenIDs),
		"tx_hash":    txHash,
	}).Info("Transfer to pharmacy applied")

	invoice.CertificateURL = s.archiveCertificate(ctx, invoice, tokenIDs, now)
	s.notifyInvoiceSent(models.InvoiceTypeCommercial, invoice.InvoiceNumber, invoice.FromDistributorID, invoice.ToPharmacyID,
		invoice.Quantity, invoice.FinalAmount, txHash)

	result := commercialTransferResult(invoice, tokenIDs)
	return result, nil
}

// archiveCertificate writes the custody certificate and stores its location.
// Failures are logged; the transfer itself is already complete.
func (s *CustodyService) archiveCertificate(ctx context.Context, invoice *models.CommercialInvoice, tokenIDs []string, confirmedAt time.Time) string {
	if s.archiver == nil {
		return ""
	}

	var parties []models.BusinessEntity
	if err := s.db.WithContext(ctx).Where("id IN ?", []uuid.UUID{invoice.FromDistributorID, invoice.ToPharmacyID}).
		Find(&parties).Error; err != nil {
		logrus.WithError(err).WithField("invoice_id", invoice.ID).Warn("Failed to load custody parties; certificate not archived")
		return ""
	}
	cert := &CustodyCertificate{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		TokenIDs:      tokenIDs,
		TxHash:        invoice.TxHash,
		BlockNumber:   invoice.BlockNumber,
		ConfirmedAt:   confirmedAt,
	}
	if invoice.DrugID != nil {
		cert.DrugID = invoice.DrugID.String()
	}
	for _, p := range parties {
		if p.ID == invoice.FromDistributorID {
			cert.Distributor = p.Name
		} else {
			cert.Pharmacy = p.Name
		}
	}

	url, err := s.archiver.ArchiveCustodyCertificate(ctx, cert)
	if err != nil {
		logrus.WithError(err).WithField("invoice_id", invoice.ID).Warn("Failed to archive custody certificate")
		return ""
	}
	if err := s.db.WithContext(ctx).Model(&models.CommercialInvoice{}).Where("id = ?", invoice.ID).
		Update("certificate_url", url).Error; err != nil {
		logrus.WithError(err).WithField("invoice_id", invoice.ID).Warn("Failed to store certificate location")
	}
	return url
}

func (s *CustodyService) createCommercialInvoice(ctx context.Context, actor *Actor, plan *transferPlan, req *PharmacyTransferRequest, protocol models.TransferProtocol) (*models.CommercialInvoice, error) {
	now := time.Now()
	number, err := utils.GenerateInvoiceNumber("CI", now)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to generate invoice number")
	}
	invoiceDate := now
	if req.InvoiceDate != nil {
		invoiceDate = *req.InvoiceDate
	}
	deliveryAddress := req.DeliveryAddress
	if deliveryAddress == "" {
		deliveryAddress = plan.recipient.Address
	}
	quantity := len(plan.tokenIDs)
	total, vat, final := invoiceAmounts(quantity, req.UnitPrice, req.VATRate)
	_, drugID := sharedOrigin(plan.tokens)

	invoice := &models.CommercialInvoice{
		FromDistributorID: actor.EntityID(),
		ToPharmacyID:      plan.recipient.ID,
		DrugID:            drugID,
		InvoiceNumber:     number,
		InvoiceDate:       invoiceDate,
		Quantity:          quantity,
		UnitPrice:         req.UnitPrice,
		TotalAmount:       total,
		VATRate:           req.VATRate,
		VATAmount:         vat,
		FinalAmount:       final,
		DeliveryAddress:   deliveryAddress,
		Notes:             req.Notes,
		Status:            models.CommercialInvoiceStatusDraft,
		Protocol:          protocol,
		ConfirmationState: models.ConfirmationAwaitingSignature,
	}

	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return err
		}
		proof := &models.ProofOfPharmacy{
			CommercialInvoiceID: invoice.ID,
			PharmacyID:          plan.recipient.ID,
			DistributorID:       actor.EntityID(),
			DrugID:              drugID,
			Status:              models.PharmacyProofStatusPending,
		}
		if err := tx.Create(proof).Error; err != nil {
			return err
		}
		lines := invoiceLines(models.InvoiceTypeCommercial, invoice.ID, plan)
		return tx.Create(&lines).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to create commercial invoice")
	}
	invoice.ToPharmacy = plan.recipient

	logrus.WithFields(logrus.Fields{
		"invoice_id":     invoice.ID,
		"invoice_number": invoice.InvoiceNumber,
		"protocol":       protocol,
		"tokens":         quantity,
	}).Info("Commercial invoice created")
	return invoice, nil
}

func (s *CustodyService) settledPharmacyTransfer(ctx context.Context, invoice *models.CommercialInvoice, txHash string) (*TransferResult, error) {
	if invoice.Status == models.CommercialInvoiceStatusSent || invoice.Status == models.CommercialInvoiceStatusPaid {
		if !strings.EqualFold(invoice.TxHash, txHash) {
			return nil, apperrors.Validation("invoice is already confirmed with a different transaction hash")
		}
		tokenIDs, err := s.invoiceTokenIDs(ctx, models.InvoiceTypeCommercial, invoice.ID)
		if err != nil {
			return nil, apperrors.Internal(err, "failed to load invoice tokens")
		}
		confirmed := commercialTransferResult(invoice, tokenIDs)
		confirmed.AlreadyConfirmed = true
		return confirmed, nil
	}
	return nil, checkSubmittedHash(invoice.ConfirmationState, invoice.TxHash, txHash)
}

func (s *CustodyService) reloadPharmacyTransfer(ctx context.Context, invoiceID uuid.UUID, txHash string) (*TransferResult, error) {
	invoice, err := s.loadCommercialInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	settled, err := s.settledPharmacyTransfer(ctx, invoice, txHash)
	if settled != nil || err != nil {
		return settled, err
	}
	return nil, apperrors.Validation("invoice changed while confirming; reload and retry")
}

func (s *CustodyService) loadCommercialInvoice(ctx context.Context, id uuid.UUID) (*models.CommercialInvoice, error) {
	var invoice models.CommercialInvoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("invoice not found")
		}
		return nil, apperrors.Internal(err, "failed to load invoice")
	}
	return &invoice, nil
}

func commercialTransferResult(invoice *models.CommercialInvoice, tokenIDs []string) *TransferResult {
	return &TransferResult{
		InvoiceID:         invoice.ID,
		InvoiceNumber:     invoice.InvoiceNumber,
		InvoiceStatus:     string(invoice.Status),
		ConfirmationState: invoice.ConfirmationState,
		TxHash:            invoice.TxHash,
		BlockNumber:       invoice.BlockNumber,
		TokenIDs:          tokenIDs,
		CertificateURL:    invoice.CertificateURL,
	}
}
