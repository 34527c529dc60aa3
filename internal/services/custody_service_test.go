// internal/services/custody_service_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

func TestCustodyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	packaged := f.packageUnits(t, 5)
	require.Equal(t, []string{"101", "102", "103", "104", "105"}, packaged.TokenIDs)
	assert.True(t, blockchain.IsTxHash(packaged.TxHash))
	assert.Equal(t, packaged.TxHash, packaged.ProductionRecord.TxHash)
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, packaged.TokenIDs...)
	assert.Equal(t, "LOT-1-103", f.token(t, "103").SerialNumber)

	toDistributor := f.sendToDistributor(t, "101", "102", "103")
	assert.Equal(t, string(models.InvoiceStatusSent), toDistributor.InvoiceStatus)
	assert.Equal(t, models.ConfirmationConfirmed, toDistributor.ConfirmationState)
	assert.Equal(t, []string{"101", "102", "103"}, toDistributor.TokenIDs)
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "101", "102", "103")
	assert.Equal(t, int64(1), f.client.BalanceOf(f.distributor.address, "102"))

	var invoice models.ManufacturerInvoice
	require.NoError(t, f.db.First(&invoice, "id = ?", toDistributor.InvoiceID).Error)
	assert.Equal(t, 3, invoice.Quantity)
	assert.Equal(t, 30000.0, invoice.TotalAmount)
	assert.Equal(t, 1500.0, invoice.VATAmount)
	assert.Equal(t, 31500.0, invoice.FinalAmount)
	require.NotNil(t, invoice.ProductionRecordID)
	assert.Equal(t, packaged.ProductionRecord.ID, *invoice.ProductionRecordID)

	toPharmacy := f.sendToPharmacy(t, "101", "102")
	assert.Equal(t, string(models.CommercialInvoiceStatusSent), toPharmacy.InvoiceStatus)
	f.assertTokens(t, models.TokenStatusSold, f.pharmacy, "101", "102")
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "103")
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "104", "105")

	var proof models.ProofOfPharmacy
	require.NoError(t, f.db.Where("commercial_invoice_id = ?", toPharmacy.InvoiceID).First(&proof).Error)
	assert.Equal(t, models.PharmacyProofStatusReceived, proof.Status)
	assert.Equal(t, 2, proof.ReceivedQuantity)
	assert.Equal(t, toPharmacy.TxHash, proof.ReceiptTxHash)

	// Minted tokens never skip the distributor.
	_, err := f.custody.TransferToPharmacy(ctx, f.distributor.actor, &PharmacyTransferRequest{
		PharmacyID: f.pharmacy.actor.EntityID(),
		TokenIDs:   []string{"103", "104"},
		SigningKey: f.distributor.key,
	})
	typed := requireCode(t, err, apperrors.CodeForbidden)
	details, ok := typed.Details().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []string{"104"}, details["missing_token_ids"])

	_, err = f.custody.TransferToPharmacy(ctx, f.manufacturer.actor, &PharmacyTransferRequest{
		PharmacyID: f.pharmacy.actor.EntityID(),
		TokenIDs:   []string{"104"},
		SigningKey: f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeForbidden)
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "104")
}

func TestTransferDeduplicatesTokenIDs(t *testing.T) {
	f := newFixture(t)
	f.packageUnits(t, 2)

	result := f.sendToDistributor(t, "101", "101", "102")
	assert.Equal(t, []string{"101", "102"}, result.TokenIDs)

	var lines int64
	f.db.Model(&models.InvoiceToken{}).Where("invoice_id = ?", result.InvoiceID).Count(&lines)
	assert.Equal(t, int64(2), lines)
}

func TestTransferRejectsTokensNotMinted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 2)
	f.sendToDistributor(t, "101")

	_, err := f.custody.TransferToDistributor(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101", "102"},
		SigningKey:    f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeForbidden)

	var invoices int64
	f.db.Model(&models.ManufacturerInvoice{}).Count(&invoices)
	assert.Equal(t, int64(1), invoices)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 1)

	tests := []struct {
		name string
		req  *DistributorTransferRequest
		code apperrors.Code
	}{
		{
			name: "non numeric token id",
			req:  &DistributorTransferRequest{DistributorID: f.distributor.actor.EntityID(), TokenIDs: []string{"abc"}, SigningKey: f.manufacturer.key},
			code: apperrors.CodeValidation,
		},
		{
			name: "amount other than one",
			req:  &DistributorTransferRequest{DistributorID: f.distributor.actor.EntityID(), TokenIDs: []string{"101"}, Amounts: []int64{2}, SigningKey: f.manufacturer.key},
			code: apperrors.CodeValidation,
		},
		{
			name: "missing signing key",
			req:  &DistributorTransferRequest{DistributorID: f.distributor.actor.EntityID(), TokenIDs: []string{"101"}},
			code: apperrors.CodeValidation,
		},
		{
			name: "recipient is not a distributor",
			req:  &DistributorTransferRequest{DistributorID: f.pharmacy.actor.EntityID(), TokenIDs: []string{"101"}, SigningKey: f.manufacturer.key},
			code: apperrors.CodeNotFound,
		},
		{
			name: "key of another wallet",
			req:  &DistributorTransferRequest{DistributorID: f.distributor.actor.EntityID(), TokenIDs: []string{"101"}, SigningKey: f.distributor.key},
			code: apperrors.CodeForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.custody.TransferToDistributor(ctx, f.manufacturer.actor, tt.req)
			requireCode(t, err, tt.code)
		})
	}
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "101")
}

func TestPackageRemovesRecordWhenMintFails(t *testing.T) {
	f := newFixture(t)
	f.client.FailNext(errors.New("nonce too low"))

	_, err := f.custody.Package(context.Background(), f.manufacturer.actor, &PackageRequest{
		DrugID:     f.drug.ID,
		Quantity:   3,
		SigningKey: f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeLedger)

	var records, tokens int64
	f.db.Model(&models.ProductionRecord{}).Count(&records)
	f.db.Model(&models.Token{}).Count(&tokens)
	assert.Zero(t, records)
	assert.Zero(t, tokens)

	// The failed call consumed no token ids.
	assert.Equal(t, []string{"101"}, f.packageUnits(t, 1).TokenIDs)
}

func TestPackageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mfg := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := mfg.AddDate(-1, 0, 0)

	_, err := f.custody.Package(ctx, f.manufacturer.actor, &PackageRequest{
		DrugID: f.drug.ID, Quantity: 1, MfgDate: &mfg, ExpDate: &exp, SigningKey: f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.Package(ctx, f.manufacturer.actor, &PackageRequest{
		DrugID: f.drug.ID, Quantity: 1, SigningKey: "not-a-key",
	})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.Package(ctx, f.distributor.actor, &PackageRequest{
		DrugID: f.drug.ID, Quantity: 1, SigningKey: f.distributor.key,
	})
	requireCode(t, err, apperrors.CodeForbidden)

	_, err = f.custody.Package(ctx, f.manufacturer.actor, &PackageRequest{
		DrugID: uuid.New(), Quantity: 1, SigningKey: f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestTwoPhasePharmacyTransferIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 2)
	f.sendToDistributor(t, "101", "102")

	initiated, err := f.custody.InitiatePharmacyTransfer(ctx, f.distributor.actor, &PharmacyTransferRequest{
		PharmacyID: f.pharmacy.actor.EntityID(),
		TokenIDs:   []string{"101", "102"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConfirmationAwaitingSignature, initiated.ConfirmationState)
	assert.Equal(t, "distributorTransferToPharmacy", initiated.LedgerCall.Method)
	assert.Equal(t, f.pharmacy.address, initiated.LedgerCall.RecipientAddress)
	assert.Equal(t, []int64{1, 1}, initiated.LedgerCall.Amounts)
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "101", "102")

	txHash := f.signOnLedger(t, f.distributor.key, blockchain.LegToPharmacy, initiated.LedgerCall)

	first, err := f.custody.ConfirmPharmacyTransfer(ctx, f.distributor.actor, initiated.InvoiceID, txHash)
	require.NoError(t, err)
	assert.False(t, first.AlreadyConfirmed)
	assert.Equal(t, string(models.CommercialInvoiceStatusSent), first.InvoiceStatus)
	f.assertTokens(t, models.TokenStatusSold, f.pharmacy, "101", "102")

	again, err := f.custody.ConfirmPharmacyTransfer(ctx, f.distributor.actor, initiated.InvoiceID, txHash)
	require.NoError(t, err)
	assert.True(t, again.AlreadyConfirmed)
	assert.Equal(t, []string{"101", "102"}, again.TokenIDs)

	_, err = f.custody.ConfirmPharmacyTransfer(ctx, f.distributor.actor, initiated.InvoiceID, randomTxHash())
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.ConfirmPharmacyTransfer(ctx, f.distributor.actor, initiated.InvoiceID, "0x1234")
	requireCode(t, err, apperrors.CodeValidation)
}

func TestTwoPhaseDistributorTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)

	initiated, err := f.custody.InitiateDistributorTransfer(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"102", "103"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(models.InvoiceStatusPending), initiated.InvoiceStatus)
	assert.Equal(t, "manufacturerTransferToDistributor", initiated.LedgerCall.Method)

	txHash := f.signOnLedger(t, f.manufacturer.key, blockchain.LegToDistributor, initiated.LedgerCall)

	// Only the issuing manufacturer may confirm.
	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.distributor.actor, initiated.InvoiceID, txHash)
	requireCode(t, err, apperrors.CodeForbidden)

	result, err := f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, txHash)
	require.NoError(t, err)
	assert.Equal(t, models.ConfirmationConfirmed, result.ConfirmationState)
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "102", "103")
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "101")

	again, err := f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, txHash)
	require.NoError(t, err)
	assert.True(t, again.AlreadyConfirmed)
}

func TestConfirmWithVerificationHandlesLookupOutcomes(t *testing.T) {
	f := newFixture(t, func(d *CustodyDeps) { d.VerifyConfirmations = true })
	ctx := context.Background()
	f.packageUnits(t, 2)

	initiated, err := f.custody.InitiateDistributorTransfer(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101", "102"},
	})
	require.NoError(t, err)

	// A reverted transaction fails the submission but allows a new one.
	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, f.client.RecordFailedTransaction())
	requireCode(t, err, apperrors.CodeLedger)
	var invoice models.ManufacturerInvoice
	require.NoError(t, f.db.First(&invoice, "id = ?", initiated.InvoiceID).Error)
	assert.Equal(t, models.ConfirmationFailed, invoice.ConfirmationState)
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "101", "102")

	// An unknown transaction stays pending and blocks other hashes.
	unknown := randomTxHash()
	pending, err := f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, unknown)
	require.NoError(t, err)
	assert.True(t, pending.Pending())
	assert.Equal(t, unknown, pending.TxHash)

	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, randomTxHash())
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.CancelTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, "changed my mind")
	requireCode(t, err, apperrors.CodeValidation)
}

func TestShortTransitionReportsConsistencyGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 2)

	initiated, err := f.custody.InitiateDistributorTransfer(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101", "102"},
	})
	require.NoError(t, err)

	// The registry drifts after the invoice was planned.
	require.NoError(t, f.db.Model(&models.Token{}).Where("token_id = ?", "102").
		Update("status", models.TokenStatusExpired).Error)

	txHash := f.signOnLedger(t, f.manufacturer.key, blockchain.LegToDistributor, initiated.LedgerCall)
	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, txHash)
	typed := requireCode(t, err, apperrors.CodeConsistency)
	assert.Contains(t, typed.Message(), "1 of 2")

	// Nothing moved and the hash is kept for the reconciler.
	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "101")
	var invoice models.ManufacturerInvoice
	require.NoError(t, f.db.First(&invoice, "id = ?", initiated.InvoiceID).Error)
	assert.Equal(t, models.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, models.ConfirmationPendingConfirmation, invoice.ConfirmationState)
	assert.Equal(t, txHash, invoice.TxHash)

	var notifications []models.AdminNotification
	require.NoError(t, f.db.Where("type = ?", models.NotificationConsistencyGap).Find(&notifications).Error)
	require.Len(t, notifications, 1)
	assert.Equal(t, txHash, notifications[0].Details["tx_hash"])

	// A second report for the same invoice is folded into the unread one.
	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, txHash)
	requireCode(t, err, apperrors.CodeConsistency)
	var count int64
	f.db.Model(&models.AdminNotification{}).Where("type = ?", models.NotificationConsistencyGap).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSyncTransferLedgerFailureLeavesTokens(t *testing.T) {
	f := newFixture(t)
	f.packageUnits(t, 1)
	f.client.FailNext(errors.New("execution reverted"))

	_, err := f.custody.TransferToDistributor(context.Background(), f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101"},
		SigningKey:    f.manufacturer.key,
	})
	typed := requireCode(t, err, apperrors.CodeLedger)
	details, ok := typed.Details().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, models.ConfirmationFailed, details["confirmation_state"])

	f.assertTokens(t, models.TokenStatusMinted, f.manufacturer, "101")
	var invoice models.ManufacturerInvoice
	require.NoError(t, f.db.First(&invoice).Error)
	assert.Equal(t, models.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, models.ConfirmationFailed, invoice.ConfirmationState)
}

func TestCancelTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 1)

	initiated, err := f.custody.InitiateDistributorTransfer(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101"},
	})
	require.NoError(t, err)

	cancelled, err := f.custody.CancelTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, "wrong distributor")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong distributor", cancelled.CancelReason)

	_, err = f.custody.CancelTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, "")
	requireCode(t, err, apperrors.CodeValidation)
	_, err = f.custody.ConfirmDistributorTransfer(ctx, f.manufacturer.actor, initiated.InvoiceID, randomTxHash())
	requireCode(t, err, apperrors.CodeValidation)

	// The tokens are free for a new invoice.
	f.sendToDistributor(t, "101")
	f.assertTokens(t, models.TokenStatusTransferred, f.distributor, "101")
}

func TestConfirmReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)
	sent := f.sendToDistributor(t, "101", "102", "103")

	proof, err := f.custody.ConfirmReceipt(ctx, f.distributor.actor, sent.InvoiceID, &ConfirmReceiptRequest{
		ReceivedBy: map[string]interface{}{"name": "Warehouse lead"},
		Notes:      "sealed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DistributionStatusConfirmed, proof.Status)
	assert.Equal(t, 3, proof.DistributedQuantity)
	assert.NotNil(t, proof.ConfirmedAt)

	// Confirming again updates the same proof.
	again, err := f.custody.ConfirmReceipt(ctx, f.distributor.actor, sent.InvoiceID, &ConfirmReceiptRequest{DistributedQuantity: 2})
	require.NoError(t, err)
	assert.Equal(t, proof.ID, again.ID)
	assert.Equal(t, 2, again.DistributedQuantity)

	_, err = f.custody.ConfirmReceipt(ctx, f.distributor.actor, sent.InvoiceID, &ConfirmReceiptRequest{DistributedQuantity: 4})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.ConfirmReceipt(ctx, f.pharmacy.actor, sent.InvoiceID, &ConfirmReceiptRequest{})
	requireCode(t, err, apperrors.CodeForbidden)

	_, err = f.custody.ConfirmReceipt(ctx, f.distributor.actor, uuid.New(), &ConfirmReceiptRequest{})
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestConfirmReceiptRequiresSentInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 1)
	initiated, err := f.custody.InitiateDistributorTransfer(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101"},
	})
	require.NoError(t, err)

	_, err = f.custody.ConfirmReceipt(ctx, f.distributor.actor, initiated.InvoiceID, &ConfirmReceiptRequest{})
	requireCode(t, err, apperrors.CodeValidation)
}

func TestRecallDrug(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 3)
	f.sendToDistributor(t, "101", "102")
	f.sendToPharmacy(t, "101")

	_, err := f.custody.RecallDrug(ctx, f.manufacturer.actor, f.drug.ID, "contamination")
	requireCode(t, err, apperrors.CodeForbidden)

	result, err := f.custody.RecallDrug(ctx, f.admin, f.drug.ID, "contamination")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TokensRecalled)

	assert.Equal(t, models.TokenStatusSold, f.token(t, "101").Status)
	assert.Equal(t, models.TokenStatusRecalled, f.token(t, "102").Status)
	assert.Equal(t, models.TokenStatusRecalled, f.token(t, "103").Status)

	var drug models.Drug
	require.NoError(t, f.db.First(&drug, "id = ?", f.drug.ID).Error)
	assert.Equal(t, models.DrugStatusRecalled, drug.Status)

	// Recalled drugs cannot be packaged again.
	_, err = f.custody.Package(ctx, f.manufacturer.actor, &PackageRequest{DrugID: f.drug.ID, Quantity: 1, SigningKey: f.manufacturer.key})
	requireCode(t, err, apperrors.CodeValidation)
}

func TestTrackToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 1)
	f.sendToDistributor(t, "101")

	trace, err := f.custody.TrackToken(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusTransferred, trace.Token.Status)
	require.NotNil(t, trace.ProductionRecord)
	require.Len(t, trace.History, 2)
	assert.True(t, blockchain.SameAddress(f.distributor.address, trace.History[1].ToAddress))
	assert.Equal(t, blockchain.ParticipantDistributor, trace.History[1].ToType)

	f.client.FailNext(errors.New("rpc unavailable"))
	trace, err = f.custody.TrackToken(ctx, "101")
	require.NoError(t, err)
	assert.True(t, trace.HistoryUnavailable)
	assert.Empty(t, trace.History)

	_, err = f.custody.TrackToken(ctx, "abc")
	requireCode(t, err, apperrors.CodeValidation)
	_, err = f.custody.TrackToken(ctx, "999")
	requireCode(t, err, apperrors.CodeNotFound)
}

type recordingNotifier struct {
	notices chan InvoiceSentNotice
}

func (r *recordingNotifier) NotifyInvoiceSent(_ context.Context, notice InvoiceSentNotice) error {
	r.notices <- notice
	return nil
}

func TestCompletedTransfersNotifyAndArchive(t *testing.T) {
	notifier := &recordingNotifier{notices: make(chan InvoiceSentNotice, 2)}
	dir := t.TempDir()
	archiver := NewStorageServiceWithClient(nil, config.AWSConfig{CertificatePath: dir})
	f := newFixture(t, func(d *CustodyDeps) {
		d.Notifier = notifier
		d.Archiver = archiver
	})
	f.packageUnits(t, 1)

	sent := f.sendToDistributor(t, "101")
	select {
	case notice := <-notifier.notices:
		assert.Equal(t, models.InvoiceTypeManufacturer, notice.InvoiceType)
		assert.Equal(t, sent.InvoiceNumber, notice.InvoiceNumber)
		assert.Equal(t, "distributor@example.com", notice.RecipientEmail)
		assert.Equal(t, "manufacturer ltd", notice.SenderName)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for the distributor")
	}

	delivered := f.sendToPharmacy(t, "101")
	assert.Contains(t, delivered.CertificateURL, "file://")
	assert.Contains(t, delivered.CertificateURL, delivered.InvoiceID.String())

	var invoice models.CommercialInvoice
	require.NoError(t, f.db.First(&invoice, "id = ?", delivered.InvoiceID).Error)
	assert.Equal(t, delivered.CertificateURL, invoice.CertificateURL)

	select {
	case notice := <-notifier.notices:
		assert.Equal(t, models.InvoiceTypeCommercial, notice.InvoiceType)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for the pharmacy")
	}
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.packageUnits(t, 2)
	f.sendToDistributor(t, "101")
	f.sendToPharmacy(t, "101")

	sold, err := f.custody.VerifyToken(ctx, "101")
	require.NoError(t, err)
	assert.True(t, sold.Genuine)
	assert.Equal(t, models.TokenStatusSold, sold.Status)
	assert.Equal(t, models.RolePharmacy, sold.HolderRole)
	assert.Equal(t, "N02BE01", sold.ATCCode)
	assert.Equal(t, "LOT-1", sold.BatchNumber)

	unknown, err := f.custody.VerifyToken(ctx, "999")
	require.NoError(t, err)
	assert.False(t, unknown.Genuine)
	assert.Empty(t, unknown.Status)

	_, err = f.custody.VerifyToken(ctx, "0x65")
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.custody.RecallDrug(ctx, f.admin, f.drug.ID, "contamination")
	require.NoError(t, err)

	// The sold unit keeps its status but the drug recall still applies.
	sold, err = f.custody.VerifyToken(ctx, "101")
	require.NoError(t, err)
	assert.False(t, sold.Genuine)
	assert.True(t, sold.Recalled)
	assert.Equal(t, models.TokenStatusSold, sold.Status)
}
