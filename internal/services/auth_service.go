// internal/services/auth_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("user already exists")
)

type AuthService struct {
	db       *gorm.DB
	cfg      *config.Config
	entities *EntityService
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest creates a business account together with its entity.
type RegisterRequest struct {
	Username string              `json:"username" validate:"required,username"`
	Email    string              `json:"email" validate:"required,email"`
	Password string              `json:"password" validate:"required,strong_password"`
	Role     models.Role         `json:"role" validate:"required"`
	FullName string              `json:"full_name" validate:"max=255"`
	Phone    string              `json:"phone" validate:"max=30"`
	Entity   CreateEntityRequest `json:"entity"`
}

type AuthResponse struct {
	User        *models.User `json:"user"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int          `json:"expires_in"` // in seconds
}

func NewAuthService(db *gorm.DB, cfg *config.Config, entities *EntityService) *AuthService {
	return &AuthService{
		db:       db,
		cfg:      cfg,
		entities: entities,
	}
}

func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !req.Role.IsBusiness() {
		return nil, apperrors.Validation("role must be manufacturer, distributor or pharmacy")
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR username = ?", req.Email, req.Username).
		Count(&existing).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to check existing users")
	}
	if existing > 0 {
		return nil, apperrors.Wrap(apperrors.CodeValidation, ErrUserExists, "user with this email or username already exists")
	}

	user := &models.User{
		Username:      req.Username,
		Email:         req.Email,
		Role:          req.Role,
		Status:        models.UserStatusActive,
		FullName:      req.FullName,
		Phone:         req.Phone,
		WalletAddress: req.Entity.WalletAddress,
	}
	if err := user.SetPassword(req.Password); err != nil {
		return nil, apperrors.Internal(err, "failed to hash password")
	}

	err := database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		entity, err := s.entities.CreateForUser(tx, user, &req.Entity)
		if err != nil {
			return err
		}
		user.Entity = entity
		return nil
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Wrap(apperrors.CodeValidation, ErrUserExists, "user with this email or username already exists")
		}
		return nil, apperrors.Internal(err, "failed to create account")
	}

	s.entities.RegisterOnLedger(ctx, user.Entity)

	logrus.WithFields(logrus.Fields{
		"user_id":   user.ID,
		"role":      user.Role,
		"entity_id": user.Entity.ID,
	}).Info("Account registered")

	return s.issueToken(user)
}

func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Preload("Entity").Where("email = ?", req.Email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeUnauthorized, ErrInvalidCredentials, "invalid email or password")
		}
		return nil, apperrors.Internal(err, "database error")
	}
	if user.Status != models.UserStatusActive {
		return nil, apperrors.Forbidden("account is suspended")
	}
	if err := user.CheckPassword(req.Password); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, ErrInvalidCredentials, "invalid email or password")
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to record login time")
	}

	return s.issueToken(&user)
}

func (s *AuthService) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Entity").First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Internal(err, "database error")
	}
	return &user, nil
}

func (s *AuthService) issueToken(user *models.User) (*AuthResponse, error) {
	var entityID *uuid.UUID
	if user.Entity != nil {
		entityID = &user.Entity.ID
	}

	accessToken, err := utils.GenerateJWT(user.ID, user.Username, string(user.Role), entityID, s.cfg.JWT.AccessTokenTTL)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to generate access token: %w", err), "failed to issue token")
	}

	return &AuthResponse{
		User:        user,
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.cfg.JWT.AccessTokenTTL * 3600, // Convert hours to seconds
	}, nil
}
