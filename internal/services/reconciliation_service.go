// internal/services/reconciliation_service.go
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
)

// Reconciliation outcomes, also used as metric labels.
const (
	ReconcileApplied = "applied"
	ReconcileFailed  = "failed"
	ReconcileWaiting = "waiting"
	ReconcileStale   = "stale"
	ReconcileError   = "error"
)

type ReconcileReport struct {
	Examined int            `json:"examined"`
	Results  map[string]int `json:"results"`
}

// ReconciliationService settles invoices whose ledger transaction was
// submitted but not yet applied to the registry.
type ReconciliationService struct {
	db         *gorm.DB
	custody    *CustodyService
	ledger     *BlockchainService
	metrics    *metrics.Metrics
	batchSize  int
	staleAfter time.Duration
}

func NewReconciliationService(db *gorm.DB, custody *CustodyService, ledger *BlockchainService, cfg config.ReconcilerConfig, m *metrics.Metrics) *ReconciliationService {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = time.Hour
	}
	return &ReconciliationService{
		db:         db,
		custody:    custody,
		ledger:     ledger,
		metrics:    m,
		batchSize:  batch,
		staleAfter: stale,
	}
}

// Reconcile checks up to one batch of each invoice type against the ledger.
func (s *ReconciliationService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{Results: map[string]int{}}

	var distributorInvoices []models.ManufacturerInvoice
	err := s.db.WithContext(ctx).
		Where("confirmation_state = ? AND tx_hash <> ''", models.ConfirmationPendingConfirmation).
		Where("status = ?", models.InvoiceStatusPending).
		Order("updated_at ASC").
		Limit(s.batchSize).
		Find(&distributorInvoices).Error
	if err != nil {
		return nil, err
	}
	for i := range distributorInvoices {
		invoice := &distributorInvoices[i]
		outcome := s.settle(ctx, &models.ManufacturerInvoice{}, "manufacturer_invoice", invoice.ID, invoice.TxHash, invoice.UpdatedAt,
			func(ctx context.Context, block uint64) error {
				_, err := s.custody.applyDistributorTransfer(ctx, invoice, invoice.TxHash, block)
				return err
			})
		s.metrics.IncReconciled(outcome)
		report.record(outcome)
	}

	var pharmacyInvoices []models.CommercialInvoice
	err = s.db.WithContext(ctx).
		Where("confirmation_state = ? AND tx_hash <> ''", models.ConfirmationPendingConfirmation).
		Where("status = ?", models.CommercialInvoiceStatusDraft).
		Order("updated_at ASC").
		Limit(s.batchSize).
		Find(&pharmacyInvoices).Error
	if err != nil {
		return report, err
	}
	for i := range pharmacyInvoices {
		invoice := &pharmacyInvoices[i]
		outcome := s.settle(ctx, &models.CommercialInvoice{}, "commercial_invoice", invoice.ID, invoice.TxHash, invoice.UpdatedAt,
			func(ctx context.Context, block uint64) error {
				_, err := s.custody.applyPharmacyTransfer(ctx, invoice, invoice.TxHash, block)
				return err
			})
		s.metrics.IncReconciled(outcome)
		report.record(outcome)
	}

	if report.Examined > 0 {
		logrus.WithFields(logrus.Fields{
			"examined": report.Examined,
			"results":  report.Results,
		}).Info("Reconciliation pass finished")
	}
	return report, nil
}

func (s *ReconciliationService) settle(
	ctx context.Context,
	model interface{},
	resourceType string,
	invoiceID uuid.UUID,
	txHash string,
	submittedAt time.Time,
	apply func(ctx context.Context, block uint64) error,
) string {
	entry := logrus.WithFields(logrus.Fields{"invoice_id": invoiceID, "tx_hash": txHash})

	lookup, err := s.ledger.LookupTransaction(ctx, txHash)
	if err != nil {
		entry.WithError(err).Warn("Reconciliation lookup failed")
		return ReconcileError
	}

	switch lookup.Status {
	case blockchain.TxStatusSuccess:
		if err := apply(ctx, lookup.BlockNumber); err != nil {
			entry.WithError(err).Error("Failed to apply mined transfer")
			return ReconcileError
		}
		entry.Info("Mined transfer applied by reconciler")
		return ReconcileApplied

	case blockchain.TxStatusFailed:
		if err := s.db.WithContext(ctx).Model(model).
			Where("id = ? AND confirmation_state = ? AND tx_hash = ?", invoiceID, models.ConfirmationPendingConfirmation, txHash).
			Update("confirmation_state", models.ConfirmationFailed).Error; err != nil {
			entry.WithError(err).Error("Failed to mark transfer as failed")
			return ReconcileError
		}
		s.custody.notifyAdmins(ctx, models.NotificationLedgerTxFailed, "Ledger transaction reverted",
			"The submitted transfer transaction failed on the ledger; the invoice can be resubmitted.",
			resourceType, &invoiceID, map[string]interface{}{"tx_hash": txHash})
		entry.Warn("Submitted transfer reverted on ledger")
		return ReconcileFailed

	default:
		if time.Since(submittedAt) < s.staleAfter {
			return ReconcileWaiting
		}
		s.custody.notifyAdmins(ctx, models.NotificationStaleConfirmation, "Transfer awaiting confirmation",
			"The ledger does not know the submitted transaction hash.",
			resourceType, &invoiceID, map[string]interface{}{"tx_hash": txHash, "submitted_at": submittedAt})
		entry.Warn("Submitted transfer is still unknown to the ledger")
		return ReconcileStale
	}
}

func (r *ReconcileReport) record(outcome string) {
	r.Examined++
	r.Results[outcome]++
}
