// internal/services/drug_service.go
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

type DrugService struct {
	db *gorm.DB
}

type CreateDrugRequest struct {
	TradeName   string `json:"trade_name" validate:"required,max=255"`
	GenericName string `json:"generic_name" validate:"max=255"`
	ATCCode     string `json:"atc_code" validate:"required,max=20"`
	DosageForm  string `json:"dosage_form" validate:"max=100"`
	Strength    string `json:"strength" validate:"max=100"`
	Route       string `json:"route" validate:"max=100"`
	Packaging   string `json:"packaging" validate:"max=255"`
	Storage     string `json:"storage"`
	Warnings    string `json:"warnings"`
}

type UpdateDrugRequest struct {
	TradeName   *string            `json:"trade_name" validate:"omitempty,max=255"`
	GenericName *string            `json:"generic_name" validate:"omitempty,max=255"`
	DosageForm  *string            `json:"dosage_form" validate:"omitempty,max=100"`
	Strength    *string            `json:"strength" validate:"omitempty,max=100"`
	Route       *string            `json:"route" validate:"omitempty,max=100"`
	Packaging   *string            `json:"packaging" validate:"omitempty,max=255"`
	Storage     *string            `json:"storage"`
	Warnings    *string            `json:"warnings"`
	Status      *models.DrugStatus `json:"status"`
}

func NewDrugService(db *gorm.DB) *DrugService {
	return &DrugService{db: db}
}

func (s *DrugService) Create(ctx context.Context, actor *Actor, req *CreateDrugRequest) (*models.Drug, error) {
	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	drug := &models.Drug{
		TradeName:      req.TradeName,
		GenericName:    req.GenericName,
		ATCCode:        strings.ToUpper(strings.TrimSpace(req.ATCCode)),
		DosageForm:     req.DosageForm,
		Strength:       req.Strength,
		Route:          req.Route,
		Packaging:      req.Packaging,
		Storage:        req.Storage,
		Warnings:       req.Warnings,
		ManufacturerID: actor.EntityID(),
		Status:         models.DrugStatusActive,
	}
	if err := s.db.WithContext(ctx).Create(drug).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Validation("a drug with this ATC code already exists")
		}
		return nil, apperrors.Internal(err, "failed to create drug")
	}

	logrus.WithFields(logrus.Fields{"drug_id": drug.ID, "atc_code": drug.ATCCode}).Info("Drug created")
	return drug, nil
}

func (s *DrugService) Update(ctx context.Context, actor *Actor, id uuid.UUID, req *UpdateDrugRequest) (*models.Drug, error) {
	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	drug, err := s.ownedDrug(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	setIf := func(column string, v *string) {
		if v != nil {
			updates[column] = *v
		}
	}
	setIf("trade_name", req.TradeName)
	setIf("generic_name", req.GenericName)
	setIf("dosage_form", req.DosageForm)
	setIf("strength", req.Strength)
	setIf("route", req.Route)
	setIf("packaging", req.Packaging)
	setIf("storage", req.Storage)
	setIf("warnings", req.Warnings)
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, apperrors.Validation("status must be one of active, inactive, recalled")
		}
		updates["status"] = *req.Status
	}
	if len(updates) == 0 {
		return drug, nil
	}

	if err := s.db.WithContext(ctx).Model(drug).Updates(updates).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to update drug")
	}
	return s.Get(ctx, drug.ID)
}

// Delete removes a drug that has never been packaged.
func (s *DrugService) Delete(ctx context.Context, actor *Actor, id uuid.UUID) error {
	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return err
	}
	drug, err := s.ownedDrug(ctx, actor, id)
	if err != nil {
		return err
	}

	var tokens int64
	if err := s.db.WithContext(ctx).Model(&models.Token{}).Where("drug_id = ?", drug.ID).Count(&tokens).Error; err != nil {
		return apperrors.Internal(err, "failed to check drug usage")
	}
	if tokens > 0 {
		return apperrors.Validation("drug has minted tokens and cannot be deleted; set it inactive instead")
	}

	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Where("drug_id = ?", drug.ID).Delete(&models.ProductionRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(drug).Error
	})
	if err != nil {
		return apperrors.Internal(err, "failed to delete drug")
	}
	return nil
}

func (s *DrugService) Get(ctx context.Context, id uuid.UUID) (*models.Drug, error) {
	var drug models.Drug
	if err := s.db.WithContext(ctx).Preload("Manufacturer").First(&drug, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("drug not found")
		}
		return nil, apperrors.Internal(err, "failed to load drug")
	}
	return &drug, nil
}

func (s *DrugService) GetByATCCode(ctx context.Context, code string) (*models.Drug, error) {
	var drug models.Drug
	err := s.db.WithContext(ctx).Preload("Manufacturer").
		Where("atc_code = ?", strings.ToUpper(strings.TrimSpace(code))).
		First(&drug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("drug not found")
		}
		return nil, apperrors.Internal(err, "failed to load drug")
	}
	return &drug, nil
}

// List returns the caller's catalog, filtered by status and a name/ATC search.
func (s *DrugService) List(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleManufacturer); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.Drug{}).Where("manufacturer_id = ?", actor.EntityID())
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Search != "" {
		like := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(trade_name) LIKE ? OR LOWER(generic_name) LIKE ? OR LOWER(atc_code) LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count drugs")
	}

	var drugs []models.Drug
	query = utils.ApplySort(query, params, []string{"created_at", "trade_name", "atc_code"})
	if err := utils.ApplyPagination(query, params).Find(&drugs).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list drugs")
	}

	result := utils.CreatePaginationResult(drugs, total, params)
	return &result, nil
}

func (s *DrugService) ownedDrug(ctx context.Context, actor *Actor, id uuid.UUID) (*models.Drug, error) {
	var drug models.Drug
	if err := s.db.WithContext(ctx).First(&drug, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("drug not found")
		}
		return nil, apperrors.Internal(err, "failed to load drug")
	}
	if drug.ManufacturerID != actor.EntityID() {
		return nil, apperrors.Forbidden("drug belongs to another manufacturer")
	}
	return &drug, nil
}
