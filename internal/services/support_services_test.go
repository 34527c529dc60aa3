// internal/services/support_services_test.go
package services

import (
	"context"
	"errors"
	"io"
	"net/smtp"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

func TestStatisticsPerRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stats := NewStatisticsService(f.db, f.registry)
	f.packageUnits(t, 3)
	f.sendToDistributor(t, "101", "102")
	f.sendToPharmacy(t, "101")

	manufacturer, err := stats.ForActor(ctx, f.manufacturer.actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), manufacturer.Tokens[models.TokenStatusMinted])
	assert.Equal(t, int64(0), manufacturer.Tokens[models.TokenStatusSold])
	assert.Equal(t, int64(1), manufacturer.ProductionRecords)
	assert.Equal(t, int64(1), manufacturer.Drugs[string(models.DrugStatusActive)])
	assert.Equal(t, int64(1), manufacturer.OutgoingInvoices[string(models.InvoiceStatusSent)])

	distributor, err := stats.ForActor(ctx, f.distributor.actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), distributor.Tokens[models.TokenStatusTransferred])
	assert.Equal(t, int64(1), distributor.IncomingInvoices[string(models.InvoiceStatusSent)])
	assert.Equal(t, int64(1), distributor.OutgoingInvoices[string(models.CommercialInvoiceStatusSent)])

	pharmacy, err := stats.ForActor(ctx, f.pharmacy.actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pharmacy.Tokens[models.TokenStatusSold])

	admin, err := stats.ForActor(ctx, f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), admin.Tokens[models.TokenStatusMinted]+admin.Tokens[models.TokenStatusTransferred]+admin.Tokens[models.TokenStatusSold])
	assert.Equal(t, int64(1), admin.Entities[models.RolePharmacy])
	assert.Len(t, admin.Tokens, len(models.AllTokenStatuses))

	_, err = stats.ForActor(ctx, nil)
	requireCode(t, err, apperrors.CodeUnauthorized)
}

func TestAdminEntityStatusAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := NewAdminService(f.db)
	f.packageUnits(t, 1)

	entity, err := admin.UpdateEntityStatus(ctx, f.admin, f.distributor.actor.EntityID(), &UpdateEntityStatusRequest{
		Status: models.EntityStatusInactive,
		Reason: "licence expired",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusInactive, entity.Status)

	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", f.distributor.actor.UserID).Error)
	assert.Equal(t, models.UserStatusSuspended, user.Status)

	// Inactive entities cannot receive tokens.
	_, err = f.custody.TransferToDistributor(ctx, f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      []string{"101"},
		SigningKey:    f.manufacturer.key,
	})
	requireCode(t, err, apperrors.CodeValidation)

	logs, err := admin.ListAuditLogs(ctx, f.admin, utils.PaginationParams{Search: "UPDATE_ENTITY_STATUS"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), logs.Total)

	_, err = admin.UpdateEntityStatus(ctx, f.admin, f.distributor.actor.EntityID(), &UpdateEntityStatusRequest{Status: "banned"})
	requireCode(t, err, apperrors.CodeValidation)
	_, err = admin.UpdateEntityStatus(ctx, f.manufacturer.actor, f.distributor.actor.EntityID(), &UpdateEntityStatusRequest{Status: models.EntityStatusActive})
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = admin.UpdateEntityStatus(ctx, f.admin, uuid.New(), &UpdateEntityStatusRequest{Status: models.EntityStatusActive})
	requireCode(t, err, apperrors.CodeNotFound)

	notification := &models.AdminNotification{Type: models.NotificationConsistencyGap, Title: "gap", Message: "m", Status: "unread"}
	require.NoError(t, f.db.Create(notification).Error)

	unread, err := admin.ListNotifications(ctx, f.admin, utils.PaginationParams{Status: "unread"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread.Total)

	read, err := admin.MarkNotificationRead(ctx, f.admin, notification.ID)
	require.NoError(t, err)
	assert.Equal(t, "read", read.Status)
	require.NotNil(t, read.ReadAt)

	unread, err = admin.ListNotifications(ctx, f.admin, utils.PaginationParams{Status: "unread"})
	require.NoError(t, err)
	assert.Zero(t, unread.Total)
}

type fakeS3 struct {
	s3iface.S3API
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func testCertificate() *CustodyCertificate {
	return &CustodyCertificate{
		InvoiceID:     uuid.MustParse("7d9f1c2e-5b1a-4d43-9a57-1f3c0b8e2a11"),
		InvoiceNumber: "CI-20261017-0001",
		Distributor:   "distributor ltd",
		Pharmacy:      "pharmacy ltd",
		TokenIDs:      []string{"101", "102"},
		TxHash:        randomTxHash(),
		BlockNumber:   7,
		ConfirmedAt:   time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	}
}

func TestArchiveCertificateToS3(t *testing.T) {
	client := &fakeS3{}
	storage := NewStorageServiceWithClient(client, config.AWSConfig{Region: "ap-southeast-1", S3Bucket: "custody"})

	url, err := storage.ArchiveCustodyCertificate(context.Background(), testCertificate())
	require.NoError(t, err)
	assert.Equal(t, "https://custody.s3.ap-southeast-1.amazonaws.com/certificates/2026/10/7d9f1c2e-5b1a-4d43-9a57-1f3c0b8e2a11.json", url)
	assert.Equal(t, "application/json", aws.StringValue(client.input.ContentType))
	assert.Contains(t, string(client.body), `"invoice_number": "CI-20261017-0001"`)

	client.err = errors.New("access denied")
	_, err = storage.ArchiveCustodyCertificate(context.Background(), testCertificate())
	assert.ErrorContains(t, err, "access denied")
}

func TestArchiveCertificateLocally(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewStorageService(config.AWSConfig{CertificatePath: dir})
	require.NoError(t, err)

	url, err := storage.ArchiveCustodyCertificate(context.Background(), testCertificate())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "file://"))

	written, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	require.NoError(t, err)
	assert.Contains(t, string(written), `"token_ids"`)
}

func TestNotifyInvoiceSent(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	service := NewNotificationService(config.EmailConfig{
		SMTPHost:  "smtp.example.com",
		SMTPPort:  "587",
		FromEmail: "custody@example.com",
		FromName:  "Custody",
	})
	service.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := service.NotifyInvoiceSent(context.Background(), InvoiceSentNotice{
		InvoiceType:    models.InvoiceTypeCommercial,
		InvoiceNumber:  "CI-1",
		SenderName:     "distributor ltd",
		RecipientName:  "pharmacy <ltd>",
		RecipientEmail: "pharmacy@example.com",
		Quantity:       2,
		TxHash:         "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"pharmacy@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Shipment CI-1 from distributor ltd")
	assert.Contains(t, gotMsg, "pharmacy &lt;ltd&gt;")

	service.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay refused") }
	err = service.NotifyInvoiceSent(context.Background(), InvoiceSentNotice{RecipientEmail: "x@example.com"})
	assert.EqualError(t, err, "relay refused")
}

func TestNotifyWithoutSMTPOnlyLogs(t *testing.T) {
	service := NewNotificationService(config.EmailConfig{})
	service.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called without an SMTP host")
		return nil
	}
	assert.NoError(t, service.NotifyInvoiceSent(context.Background(), InvoiceSentNotice{RecipientEmail: "x@example.com"}))
}
