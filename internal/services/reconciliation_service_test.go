// internal/services/reconciliation_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
)

func (f *fixture) initiateToDistributor(t *testing.T, tokenIDs ...string) *InitiatedTransfer {
	t.Helper()
	initiated, err := f.custody.InitiateDistributorTransfer(context.Background(), f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      tokenIDs,
	})
	require.NoError(t, err)
	return initiated
}

// markSubmitted leaves an invoice the way a crash right after hash
// recording would.
func (f *fixture) markSubmitted(t *testing.T, model interface{}, id uuid.UUID, txHash string) {
	t.Helper()
	require.NoError(t, f.db.Model(model).Where("id = ?", id).Updates(map[string]interface{}{
		"tx_hash":            txHash,
		"confirmation_state": models.ConfirmationPendingConfirmation,
	}).Error)
}

func TestReconcileSettlesSubmittedTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 4)
	reconciler := NewReconciliationService(f.db, f.custody, f.ledger, config.ReconcilerConfig{StaleAfter: time.Hour}, f.metrics)

	mined := f.initiateToDistributor(t, "101")
	minedHash := f.signOnLedger(t, f.manufacturer.key, blockchain.LegToDistributor, mined.LedgerCall)
	f.markSubmitted(t, &models.ManufacturerInvoice{}, mined.InvoiceID, minedHash)

	reverted := f.initiateToDistributor(t, "102")
	f.markSubmitted(t, &models.ManufacturerInvoice{}, reverted.InvoiceID, f.client.RecordFailedTransaction())

	waiting := f.initiateToDistributor(t, "103")
	f.markSubmitted(t, &models.ManufacturerInvoice{}, waiting.InvoiceID, randomTxHash())

	stale := f.initiateToDistributor(t, "104")
	f.markSubmitted(t, &models.ManufacturerInvoice{}, stale.InvoiceID, randomTxHash())
	require.NoError(t, f.db.Model(&models.ManufacturerInvoice{}).Where("id = ?", stale.InvoiceID).
		UpdateColumn("updated_at", time.Now().Add(-2*time.Hour)).Error)

	report, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, map[string]int{
		ReconcileApplied: 1,
		ReconcileFailed:  1,
		ReconcileWaiting: 1,
		ReconcileStale:   1,
	}, report.Results)

	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "101")
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "102", "103", "104")

	var invoice models.ManufacturerInvoice
	require.NoError(t, f.db.First(&invoice, "id = ?", mined.InvoiceID).Error)
	assert.Equal(t, models.InvoiceStatusSent, invoice.Status)
	assert.NotZero(t, invoice.BlockNumber)

	require.NoError(t, f.db.First(&invoice, "id = ?", reverted.InvoiceID).Error)
	assert.Equal(t, models.ConfirmationFailed, invoice.ConfirmationState)

	var failedNotices, staleNotices int64
	f.db.Model(&models.AdminNotification{}).Where("type = ?", models.NotificationLedgerTxFailed).Count(&failedNotices)
	f.db.Model(&models.AdminNotification{}).Where("type = ?", models.NotificationStaleConfirmation).Count(&staleNotices)
	assert.Equal(t, int64(1), failedNotices)
	assert.Equal(t, int64(1), staleNotices)

	// Settled invoices drop out; the stale one is not reported twice.
	report, err = reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Examined)
	f.db.Model(&models.AdminNotification{}).Where("type = ?", models.NotificationStaleConfirmation).Count(&staleNotices)
	assert.Equal(t, int64(1), staleNotices)
}

func TestReconcileAppliesPharmacyLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 2)
	f.sendToDistributor(t, "101", "102")
	reconciler := NewReconciliationService(f.db, f.custody, f.ledger, config.ReconcilerConfig{}, nil)

	initiated, err := f.custody.InitiatePharmacyTransfer(ctx, f.distributor.actor, &PharmacyTransferRequest{
		PharmacyID: f.pharmacy.actor.EntityID(),
		TokenIDs:   []string{"101", "102"},
	})
	require.NoError(t, err)
	txHash := f.signOnLedger(t, f.distributor.key, blockchain.LegToPharmacy, initiated.LedgerCall)
	f.markSubmitted(t, &models.CommercialInvoice{}, initiated.InvoiceID, txHash)

	report, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[ReconcileApplied])
	f.assertTokens(t, models.TokenStatusSold, f.pharmacy, "101", "102")

	// A later client confirmation sees the settled outcome.
	result, err := f.custody.ConfirmPharmacyTransfer(ctx, f.distributor.actor, initiated.InvoiceID, txHash)
	require.NoError(t, err)
	assert.True(t, result.AlreadyConfirmed)
}

func TestReconcileReportsLookupErrors(t *testing.T) {
	f := newFixture(t)
	f.packageUnits(t, 1)
	reconciler := NewReconciliationService(f.db, f.custody, f.ledger, config.ReconcilerConfig{}, f.metrics)

	initiated := f.initiateToDistributor(t, "101")
	f.markSubmitted(t, &models.ManufacturerInvoice{}, initiated.InvoiceID, randomTxHash())
	require.NoError(t, f.client.Close())

	report, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[ReconcileError])
}
