// internal/services/payment_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

// PaymentGateway is the subset of Stripe the invoice flow needs.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*stripe.PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

type stripeGateway struct{}

func (stripeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	return paymentintent.New(params)
}

func (stripeGateway) GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

type PaymentService struct {
	db       *gorm.DB
	gateway  PaymentGateway
	currency string
}

type PaymentIntentResponse struct {
	InvoiceID    uuid.UUID `json:"invoice_id"`
	ClientSecret string    `json:"client_secret"`
	PaymentID    string    `json:"payment_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
}

type PaymentStatus struct {
	InvoiceID     uuid.UUID  `json:"invoice_id"`
	InvoiceStatus string     `json:"invoice_status"`
	PaymentID     string     `json:"payment_id"`
	PaymentStatus string     `json:"payment_status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// payableInvoice flattens the two invoice types for the payment flow.
type payableInvoice struct {
	model           interface{}
	id              uuid.UUID
	number          string
	sent            bool
	paid            bool
	finalAmount     float64
	paymentIntentID string
	paidAt          *time.Time
	status          string
}

// Zero-decimal currencies are charged in whole units.
var zeroDecimalCurrencies = map[string]bool{"vnd": true, "jpy": true, "krw": true}

func NewPaymentService(db *gorm.DB, cfg *config.Config) *PaymentService {
	// Initialize Stripe
	stripe.Key = cfg.Payment.StripeSecretKey
	return NewPaymentServiceWithGateway(db, stripeGateway{}, cfg.Payment.Currency)
}

func NewPaymentServiceWithGateway(db *gorm.DB, gateway PaymentGateway, currency string) *PaymentService {
	if currency == "" {
		currency = "vnd"
	}
	return &PaymentService{db: db, gateway: gateway, currency: strings.ToLower(currency)}
}

// CreateInvoicePaymentIntent opens a Stripe payment for a sent invoice. Only
// the receiving party pays.
func (s *PaymentService) CreateInvoicePaymentIntent(ctx context.Context, actor *Actor, invoiceType models.InvoiceType, invoiceID uuid.UUID) (*PaymentIntentResponse, error) {
	invoice, err := s.loadPayable(ctx, actor, invoiceType, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.paid {
		return nil, apperrors.Validation("invoice is already paid")
	}
	if !invoice.sent {
		return nil, apperrors.Validation("only sent invoices can be paid")
	}
	amount := toMinorUnits(invoice.finalAmount, s.currency)
	if amount <= 0 {
		return nil, apperrors.Validation("invoice has no amount to pay")
	}

	pi, err := s.gateway.CreateIntent(ctx, amount, s.currency, map[string]string{
		"invoice_id":     invoice.id.String(),
		"invoice_type":   string(invoiceType),
		"invoice_number": invoice.number,
		"payer_id":       actor.EntityID().String(),
	})
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to create payment intent: %w", err), "payment provider unavailable")
	}

	if err := s.db.WithContext(ctx).Model(invoice.model).Where("id = ?", invoice.id).
		Update("payment_intent_id", pi.ID).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to record payment intent")
	}

	logrus.WithFields(logrus.Fields{
		"invoice_id": invoice.id,
		"payment_id": pi.ID,
		"amount":     amount,
	}).Info("Payment intent created")

	return &PaymentIntentResponse{
		InvoiceID:    invoice.id,
		ClientSecret: pi.ClientSecret,
		PaymentID:    pi.ID,
		Amount:       amount,
		Currency:     s.currency,
		Status:       string(pi.Status),
	}, nil
}

// ConfirmInvoicePayment moves a sent invoice to paid once Stripe reports the
// intent succeeded. Custody state is not touched.
func (s *PaymentService) ConfirmInvoicePayment(ctx context.Context, actor *Actor, invoiceType models.InvoiceType, invoiceID uuid.UUID) (*PaymentStatus, error) {
	invoice, err := s.loadPayable(ctx, actor, invoiceType, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.paid {
		return &PaymentStatus{
			InvoiceID:     invoice.id,
			InvoiceStatus: invoice.status,
			PaymentID:     invoice.paymentIntentID,
			PaymentStatus: string(stripe.PaymentIntentStatusSucceeded),
			PaidAt:        invoice.paidAt,
		}, nil
	}
	if invoice.paymentIntentID == "" {
		return nil, apperrors.Validation("no payment has been started for this invoice")
	}

	pi, err := s.gateway.GetIntent(ctx, invoice.paymentIntentID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to get payment intent: %w", err), "payment provider unavailable")
	}

	status := &PaymentStatus{
		InvoiceID:     invoice.id,
		InvoiceStatus: invoice.status,
		PaymentID:     pi.ID,
		PaymentStatus: string(pi.Status),
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return status, nil
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(invoice.model).
		Where("id = ? AND status = ?", invoice.id, "sent").
		Updates(map[string]interface{}{"status": "paid", "paid_at": now})
	if res.Error != nil {
		return nil, apperrors.Internal(res.Error, "failed to mark invoice paid")
	}

	status.InvoiceStatus = "paid"
	status.PaidAt = &now
	logrus.WithFields(logrus.Fields{
		"invoice_id": invoice.id,
		"payment_id": pi.ID,
	}).Info("Invoice paid")
	return status, nil
}

func (s *PaymentService) loadPayable(ctx context.Context, actor *Actor, invoiceType models.InvoiceType, id uuid.UUID) (*payableInvoice, error) {
	switch invoiceType {
	case models.InvoiceTypeManufacturer:
		if err := requireRole(actor, models.RoleDistributor); err != nil {
			return nil, err
		}
		var invoice models.ManufacturerInvoice
		if err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error; err != nil {
			return nil, invoiceLoadError(err)
		}
		if invoice.ToDistributorID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice is addressed to another distributor")
		}
		return &payableInvoice{
			model:           &models.ManufacturerInvoice{},
			id:              invoice.ID,
			number:          invoice.InvoiceNumber,
			sent:            invoice.Status == models.InvoiceStatusSent,
			paid:            invoice.Status == models.InvoiceStatusPaid,
			finalAmount:     invoice.FinalAmount,
			paymentIntentID: invoice.PaymentIntentID,
			paidAt:          invoice.PaidAt,
			status:          string(invoice.Status),
		}, nil

	case models.InvoiceTypeCommercial:
		if err := requireRole(actor, models.RolePharmacy); err != nil {
			return nil, err
		}
		var invoice models.CommercialInvoice
		if err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error; err != nil {
			return nil, invoiceLoadError(err)
		}
		if invoice.ToPharmacyID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice is addressed to another pharmacy")
		}
		return &payableInvoice{
			model:           &models.CommercialInvoice{},
			id:              invoice.ID,
			number:          invoice.InvoiceNumber,
			sent:            invoice.Status == models.CommercialInvoiceStatusSent,
			paid:            invoice.Status == models.CommercialInvoiceStatusPaid,
			finalAmount:     invoice.FinalAmount,
			paymentIntentID: invoice.PaymentIntentID,
			paidAt:          invoice.PaidAt,
			status:          string(invoice.Status),
		}, nil
	}
	return nil, apperrors.Validation("invoice type must be manufacturer or commercial")
}

func invoiceLoadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("invoice not found")
	}
	return apperrors.Internal(err, "failed to load invoice")
}

func toMinorUnits(amount float64, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}
