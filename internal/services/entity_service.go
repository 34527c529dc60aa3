// internal/services/entity_service.go
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

// Actor is the authenticated caller of a custody operation. Entity is nil for
// system administrators.
type Actor struct {
	UserID uuid.UUID
	Role   models.Role
	Entity *models.BusinessEntity
}

func (a *Actor) EntityID() uuid.UUID {
	if a == nil || a.Entity == nil {
		return uuid.Nil
	}
	return a.Entity.ID
}

func (a *Actor) WalletAddress() string {
	if a == nil || a.Entity == nil {
		return ""
	}
	return a.Entity.WalletAddress
}

type EntityService struct {
	db     *gorm.DB
	ledger *BlockchainService
}

type CreateEntityRequest struct {
	Name             string `json:"name" validate:"required,max=255"`
	LicenseNo        string `json:"license_no" validate:"max=100"`
	TaxCode          string `json:"tax_code" validate:"max=50"`
	GMPCertificateNo string `json:"gmp_certificate_no" validate:"max=100"`
	Address          string `json:"address"`
	Phone            string `json:"phone" validate:"max=30"`
	Email            string `json:"email" validate:"omitempty,email"`
	WalletAddress    string `json:"wallet_address" validate:"required,wallet_address"`
}

func NewEntityService(db *gorm.DB, ledger *BlockchainService) *EntityService {
	return &EntityService{db: db, ledger: ledger}
}

// ResolveActor loads the caller and, for business roles, their entity. The
// role claimed by the token must match the stored one.
func (s *EntityService) ResolveActor(ctx context.Context, userID uuid.UUID, role models.Role) (*Actor, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "account not found")
		}
		return nil, apperrors.Internal(err, "failed to load account")
	}
	if user.Status != models.UserStatusActive {
		return nil, apperrors.Forbidden("account is suspended")
	}
	if user.Role != role {
		return nil, apperrors.Forbidden("role does not match account")
	}

	actor := &Actor{UserID: user.ID, Role: user.Role}
	if !role.IsBusiness() {
		return actor, nil
	}

	var entity models.BusinessEntity
	if err := s.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("business entity not found")
		}
		return nil, apperrors.Internal(err, "failed to load business entity")
	}
	if entity.Status != models.EntityStatusActive {
		return nil, apperrors.Forbidden("business entity is inactive")
	}
	actor.Entity = &entity
	return actor, nil
}

// GetEntity returns the entity with the given id if it plays role.
func (s *EntityService) GetEntity(ctx context.Context, id uuid.UUID, role models.Role) (*models.BusinessEntity, error) {
	var entity models.BusinessEntity
	err := s.db.WithContext(ctx).Where("id = ? AND role = ?", id, role).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(string(role) + " not found")
		}
		return nil, apperrors.Internal(err, "failed to load business entity")
	}
	return &entity, nil
}

// ListCounterparties lists active entities of a role that can receive tokens.
func (s *EntityService) ListCounterparties(ctx context.Context, role models.Role, params utils.PaginationParams) (*utils.PaginationResult, error) {
	params = utils.NormalizePagination(params)
	query := s.db.WithContext(ctx).Model(&models.BusinessEntity{}).
		Where("role = ? AND status = ? AND wallet_address <> ''", role, models.EntityStatusActive)
	if params.Search != "" {
		like := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(tax_code) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count entities")
	}

	var entities []models.BusinessEntity
	query = utils.ApplySort(query, params, []string{"created_at", "name"})
	if err := utils.ApplyPagination(query, params).Find(&entities).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list entities")
	}

	result := utils.CreatePaginationResult(entities, total, params)
	return &result, nil
}

// CreateForUser stores the entity of a freshly registered business account.
// It runs inside the registration transaction.
func (s *EntityService) CreateForUser(tx *gorm.DB, user *models.User, req *CreateEntityRequest) (*models.BusinessEntity, error) {
	entity := &models.BusinessEntity{
		UserID:           user.ID,
		Role:             user.Role,
		Name:             req.Name,
		LicenseNo:        req.LicenseNo,
		TaxCode:          req.TaxCode,
		GMPCertificateNo: req.GMPCertificateNo,
		Address:          req.Address,
		Phone:            req.Phone,
		Email:            req.Email,
		WalletAddress:    req.WalletAddress,
		Status:           models.EntityStatusActive,
	}
	if entity.Email == "" {
		entity.Email = user.Email
	}
	if err := tx.Create(entity).Error; err != nil {
		return nil, err
	}
	return entity, nil
}

// RegisterOnLedger grants the entity's wallet its contract role. Failures are
// logged; the account stays usable and registration can be retried by an operator.
func (s *EntityService) RegisterOnLedger(ctx context.Context, entity *models.BusinessEntity) {
	if s.ledger == nil || entity == nil || !blockchain.IsAddress(entity.WalletAddress) {
		return
	}
	err := s.ledger.RegisterParticipant(ctx, blockchain.Participant{
		Address:   entity.WalletAddress,
		Type:      string(entity.Role),
		TaxCode:   entity.TaxCode,
		LicenseNo: entity.LicenseNo,
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"entity_id": entity.ID,
			"address":   entity.WalletAddress,
		}).Warn("Failed to register participant on ledger")
	}
}
