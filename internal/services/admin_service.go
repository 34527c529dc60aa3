// internal/services/admin_service.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

type AdminService struct {
	db *gorm.DB
}

type UpdateEntityStatusRequest struct {
	Status models.EntityStatus `json:"status" validate:"required,oneof=active inactive"`
	Reason string              `json:"reason" validate:"max=500"`
}

func NewAdminService(db *gorm.DB) *AdminService {
	return &AdminService{db: db}
}

// Notifications
func (s *AdminService) ListNotifications(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.AdminNotification{})
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Search != "" {
		query = query.Where("type = ?", params.Search)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count notifications")
	}

	var notifications []models.AdminNotification
	query = utils.ApplySort(query, params, []string{"created_at", "priority", "type"})
	if err := utils.ApplyPagination(query, params).Find(&notifications).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to fetch notifications")
	}

	result := utils.CreatePaginationResult(notifications, total, params)
	return &result, nil
}

func (s *AdminService) MarkNotificationRead(ctx context.Context, actor *Actor, id uuid.UUID) (*models.AdminNotification, error) {
	if err := requireRole(actor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}

	var notification models.AdminNotification
	if err := s.db.WithContext(ctx).First(&notification, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("notification not found")
		}
		return nil, apperrors.Internal(err, "database error")
	}
	if notification.Status == "read" {
		return &notification, nil
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]interface{}{"status": "read", "read_at": now}).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to update notification")
	}
	notification.Status = "read"
	notification.ReadAt = &now
	return &notification, nil
}

// UpdateEntityStatus deactivates or reactivates a business entity together
// with its user account. Inactive entities cannot act or receive tokens.
func (s *AdminService) UpdateEntityStatus(ctx context.Context, actor *Actor, entityID uuid.UUID, req *UpdateEntityStatusRequest) (*models.BusinessEntity, error) {
	if err := requireRole(actor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var entity models.BusinessEntity
	if err := s.db.WithContext(ctx).First(&entity, "id = ?", entityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("business entity not found")
		}
		return nil, apperrors.Internal(err, "database error")
	}
	oldStatus := entity.Status
	if oldStatus == req.Status {
		return &entity, nil
	}

	userStatus := models.UserStatusActive
	if req.Status == models.EntityStatusInactive {
		userStatus = models.UserStatusSuspended
	}
	err := database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Model(&entity).Update("status", req.Status).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", entity.UserID).Update("status", userStatus).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to update entity status")
	}
	entity.Status = req.Status

	s.createAuditLog(ctx, actor, "UPDATE_ENTITY_STATUS", "business_entity", &entity.ID, map[string]interface{}{
		"old_status": oldStatus,
		"new_status": req.Status,
		"reason":     req.Reason,
	})
	logrus.WithFields(logrus.Fields{
		"entity_id":  entity.ID,
		"old_status": oldStatus,
		"new_status": req.Status,
	}).Info("Business entity status changed")

	return &entity, nil
}

func (s *AdminService) ListAuditLogs(ctx context.Context, actor *Actor, params utils.PaginationParams) (*utils.PaginationResult, error) {
	if err := requireRole(actor, models.RoleSystemAdmin); err != nil {
		return nil, err
	}
	params = utils.NormalizePagination(params)

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if params.Search != "" {
		query = query.Where("resource_type = ? OR action = ?", params.Search, params.Search)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to count audit logs")
	}

	var logs []models.AuditLog
	query = utils.ApplySort(query, params, []string{"created_at", "action", "resource_type"})
	if err := utils.ApplyPagination(query, params).Find(&logs).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to fetch audit logs")
	}

	result := utils.CreatePaginationResult(logs, total, params)
	return &result, nil
}

// Helper methods
func (s *AdminService) createAuditLog(ctx context.Context, actor *Actor, action, resourceType string, resourceID *uuid.UUID, newValues map[string]interface{}) {
	userID := actor.UserID
	auditLog := &models.AuditLog{
		UserID:       &userID,
		Role:         actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		NewValues:    models.JSONB(newValues),
	}

	if err := s.db.WithContext(ctx).Create(auditLog).Error; err != nil {
		logrus.WithError(err).WithField("action", action).Warn("Failed to write audit log")
	}
}
