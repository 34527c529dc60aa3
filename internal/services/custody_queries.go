// internal/services/custody_queries.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

var invoiceSortFields = []string{"created_at", "invoice_date", "final_amount", "quantity"}

// InvoiceTokens lists the tokens behind an invoice and where the list came from.
type InvoiceTokens struct {
	Source   string   `json:"source"`
	TokenIDs []string `json:"token_ids"`
}

type ManufacturerInvoiceDetail struct {
	*models.ManufacturerInvoice
	Tokens InvoiceTokens `json:"tokens"`
}

type CommercialInvoiceDetail struct {
	*models.CommercialInvoice
	Tokens InvoiceTokens `json:"tokens"`
}

type TokenTrace struct {
	Token              *models.Token              `json:"token"`
	ProductionRecord   *models.ProductionRecord   `json:"production_record,omitempty"`
	History            []blockchain.TrackingEntry `json:"history"`
	HistoryUnavailable bool                       `json:"history_unavailable,omitempty"`
}

// GetManufacturerInvoice returns an invoice to either of its parties.
func (s *CustodyService) GetManufacturerInvoice(ctx context.Context, actor *Actor, id uuid.UUID) (*ManufacturerInvoiceDetail, error) {
	if err := requireRole(actor, models.RoleManufacturer, models.RoleDistributor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}

	var invoice models.ManufacturerInvoice
	err := s.db.WithContext(ctx).
		Preload("FromManufacturer").
		Preload("ToDistributor").
		Preload("Proof").
		First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("invoice not found")
		}
		return nil, apperrors.Internal(err, "failed to load invoice")
	}

	switch actor.Role {
	case models.RoleManufacturer:
		if invoice.FromManufacturerID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice belongs to another manufacturer")
		}
	case models.RoleDistributor:
		if invoice.ToDistributorID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice is addressed to another distributor")
		}
	}

	tokens, err := s.invoiceTokens(ctx, models.InvoiceTypeManufacturer, invoice.ID, invoice.TxHash, invoice.ProductionRecordID, callerFor(actor, invoice.ToDistributorID))
	if err != nil {
		return nil, err
	}
	return &ManufacturerInvoiceDetail{ManufacturerInvoice: &invoice, Tokens: *tokens}, nil
}

// ListManufacturerInvoices lists what a manufacturer sent or a distributor received.
func (s *CustodyService) ListManufacturerInvoices(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleManufacturer, models.RoleDistributor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.ManufacturerInvoice{})
	switch actor.Role {
	case models.RoleManufacturer:
		query = query.Where("from_manufacturer_id = ?", actor.EntityID())
	case models.RoleDistributor:
		query = query.Where("to_distributor_id = ?", actor.EntityID())
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Search != "" {
		query = query.Where("invoice_number LIKE ?", "%"+params.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count invoices")
	}

	var invoices []models.ManufacturerInvoice
	query = utils.ApplySort(query.Preload("FromManufacturer").Preload("ToDistributor"), params, invoiceSortFields)
	if err := utils.ApplyPagination(query, params).Find(&invoices).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list invoices")
	}

	result := utils.CreatePaginationResult(invoices, total, params)
	return &result, nil
}

// GetCommercialInvoice returns a shipment to either of its parties.
func (s *CustodyService) GetCommercialInvoice(ctx context.Context, actor *Actor, id uuid.UUID) (*CommercialInvoiceDetail, error) {
	if err := requireRole(actor, models.RoleDistributor, models.RolePharmacy, models.RoleSystemAdmin); err != nil {
		return nil, err
	}

	var invoice models.CommercialInvoice
	err := s.db.WithContext(ctx).
		Preload("FromDistributor").
		Preload("ToPharmacy").
		Preload("Drug").
		Preload("Proof").
		First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("invoice not found")
		}
		return nil, apperrors.Internal(err, "failed to load invoice")
	}

	switch actor.Role {
	case models.RoleDistributor:
		if invoice.FromDistributorID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice belongs to another distributor")
		}
	case models.RolePharmacy:
		if invoice.ToPharmacyID != actor.EntityID() {
			return nil, apperrors.Forbidden("invoice is addressed to another pharmacy")
		}
	}

	tokens, err := s.invoiceTokens(ctx, models.InvoiceTypeCommercial, invoice.ID, invoice.TxHash, nil, callerFor(actor, invoice.ToPharmacyID))
	if err != nil {
		return nil, err
	}
	return &CommercialInvoiceDetail{CommercialInvoice: &invoice, Tokens: *tokens}, nil
}

// ListCommercialInvoices lists shipments a distributor sent or a pharmacy received.
func (s *CustodyService) ListCommercialInvoices(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleDistributor, models.RolePharmacy, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.CommercialInvoice{})
	switch actor.Role {
	case models.RoleDistributor:
		query = query.Where("from_distributor_id = ?", actor.EntityID())
	case models.RolePharmacy:
		query = query.Where("to_pharmacy_id = ?", actor.EntityID())
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Search != "" {
		query = query.Where("invoice_number LIKE ?", "%"+params.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count invoices")
	}

	var invoices []models.CommercialInvoice
	query = utils.ApplySort(query.Preload("FromDistributor").Preload("ToPharmacy").Preload("Drug"), params, invoiceSortFields)
	if err := utils.ApplyPagination(query, params).Find(&invoices).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list invoices")
	}

	result := utils.CreatePaginationResult(invoices, total, params)
	return &result, nil
}

func (s *CustodyService) ListProductionRecords(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.ProductionRecord{}).Where("manufacturer_id = ?", actor.EntityID())
	if params.Search != "" {
		query = query.Where("batch_number LIKE ?", "%"+params.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count production records")
	}

	var records []models.ProductionRecord
	query = utils.ApplySort(query.Preload("Drug"), params, []string{"created_at", "quantity", "mfg_date", "exp_date"})
	if err := utils.ApplyPagination(query, params).Find(&records).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list production records")
	}

	result := utils.CreatePaginationResult(records, total, params)
	return &result, nil
}

// TokenVerification is the public answer to "is this pack genuine".
type TokenVerification struct {
	TokenID     string             `json:"token_id"`
	Genuine     bool               `json:"genuine"`
	Status      models.TokenStatus `json:"status"`
	Recalled    bool               `json:"recalled"`
	Expired     bool               `json:"expired"`
	TradeName   string             `json:"trade_name,omitempty"`
	ATCCode     string             `json:"atc_code,omitempty"`
	BatchNumber string             `json:"batch_number,omitempty"`
	ExpDate     *time.Time         `json:"exp_date,omitempty"`
	HolderName  string             `json:"holder_name,omitempty"`
	HolderRole  models.Role        `json:"holder_role,omitempty"`
}

// VerifyToken reports whether a token id belongs to a registered unit still
// fit for dispensing. Unknown ids are not an error.
func (s *CustodyService) VerifyToken(ctx context.Context, tokenID string) (*TokenVerification, error) {
	if !blockchain.IsTokenID(tokenID) {
		return nil, apperrors.Validation("token id must be a decimal number")
	}

	token, err := s.registry.FindOne(ctx, tokenID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &TokenVerification{TokenID: tokenID}, nil
		}
		return nil, apperrors.Internal(err, "failed to load token")
	}

	v := &TokenVerification{
		TokenID:     token.TokenID,
		Status:      token.Status,
		Recalled:    token.Status == models.TokenStatusRecalled,
		Expired:     token.ExpDate != nil && token.ExpDate.Before(time.Now()),
		BatchNumber: token.BatchNumber,
		ExpDate:     token.ExpDate,
	}
	if token.Drug != nil {
		v.TradeName = token.Drug.TradeName
		v.ATCCode = token.Drug.ATCCode
		v.Recalled = v.Recalled || token.Drug.Status == models.DrugStatusRecalled
	}
	if token.Owner != nil {
		v.HolderName = token.Owner.Name
		v.HolderRole = token.Owner.Role
	}
	v.Genuine = !v.Recalled && !v.Expired
	return v, nil
}

// TrackToken returns the registry view of a token together with the ledger's
// custody history. An unreachable ledger yields an empty history.
func (s *CustodyService) TrackToken(ctx context.Context, tokenID string) (*TokenTrace, error) {
	if !blockchain.IsTokenID(tokenID) {
		return nil, apperrors.Validation("token id must be a decimal number")
	}

	token, err := s.registry.FindOne(ctx, tokenID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("token not found")
		}
		return nil, apperrors.Internal(err, "failed to load token")
	}

	trace := &TokenTrace{Token: token, History: []blockchain.TrackingEntry{}}

	var record models.ProductionRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", token.ProductionRecordID).Error; err == nil {
		trace.ProductionRecord = &record
	}

	history, err := s.ledger.History(ctx, tokenID)
	if err != nil {
		logrus.WithError(err).WithField("token_id", tokenID).Warn("Ledger history unavailable")
		trace.HistoryUnavailable = true
		return trace, nil
	}
	if history != nil {
		trace.History = history
	}
	return trace, nil
}

// invoiceTokens prefers the persisted lines and falls back to the resolver
// for invoices created before lines were recorded.
func (s *CustodyService) invoiceTokens(ctx context.Context, invoiceType models.InvoiceType, invoiceID uuid.UUID, txHash string, productionID *uuid.UUID, caller uuid.UUID) (*InvoiceTokens, error) {
	ids, err := s.invoiceTokenIDs(ctx, invoiceType, invoiceID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load invoice tokens")
	}
	if len(ids) > 0 {
		return &InvoiceTokens{Source: ProvenanceFromLines, TokenIDs: ids}, nil
	}

	resolved, err := s.resolver.Resolve(ctx, ProvenanceQuery{
		TxHash:             txHash,
		ProductionRecordID: productionID,
		CallerID:           caller,
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to resolve invoice tokens")
	}
	return &InvoiceTokens{Source: resolved.Strategy, TokenIDs: resolved.TokenIDs}, nil
}

// callerFor is the entity the resolver should favour: the caller, or the
// receiving party when an administrator is looking.
func callerFor(actor *Actor, recipient uuid.UUID) uuid.UUID {
	if actor.Entity == nil {
		return recipient
	}
	return actor.EntityID()
}
