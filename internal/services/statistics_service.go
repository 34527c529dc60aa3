// internal/services/statistics_service.go
package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/models"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

type StatisticsService struct {
	db       *gorm.DB
	registry *TokenRegistry
}

// Statistics is the per-actor summary. Sections that do not apply to the
// caller's role are omitted.
type Statistics struct {
	Role              models.Role                  `json:"role"`
	Drugs             map[string]int64             `json:"drugs,omitempty"`
	ProductionRecords int64                        `json:"production_records"`
	Tokens            map[models.TokenStatus]int64 `json:"tokens"`
	IncomingInvoices  map[string]int64             `json:"incoming_invoices,omitempty"`
	OutgoingInvoices  map[string]int64             `json:"outgoing_invoices,omitempty"`
	Entities          map[models.Role]int64        `json:"entities,omitempty"`
	OpenNotifications int64                        `json:"open_notifications,omitempty"`
}

type statusCount struct {
	Status string
	Count  int64
}

func NewStatisticsService(db *gorm.DB, registry *TokenRegistry) *StatisticsService {
	return &StatisticsService{db: db, registry: registry}
}

func (s *StatisticsService) ForActor(ctx context.Context, actor *Actor) (*Statistics, error) {
	if err := requireRole(actor, models.RoleManufacturer, models.RoleDistributor, models.RolePharmacy, models.RoleSystemAdmin); err != nil {
		return nil, err
	}

	stats := &Statistics{Role: actor.Role}
	var owner *uuid.UUID
	if actor.Role.IsBusiness() {
		id := actor.EntityID()
		owner = &id
	}

	tokens, err := s.registry.CountByStatus(ctx, owner)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to count tokens")
	}
	stats.Tokens = tokens

	db := s.db.WithContext(ctx)
	switch actor.Role {
	case models.RoleManufacturer:
		if stats.Drugs, err = countByStatus(db.Model(&models.Drug{}).Where("manufacturer_id = ?", actor.EntityID())); err != nil {
			return nil, apperrors.Internal(err, "failed to count drugs")
		}
		if err = db.Model(&models.ProductionRecord{}).Where("manufacturer_id = ?", actor.EntityID()).Count(&stats.ProductionRecords).Error; err != nil {
			return nil, apperrors.Internal(err, "failed to count production records")
		}
		if stats.OutgoingInvoices, err = countByStatus(db.Model(&models.ManufacturerInvoice{}).Where("from_manufacturer_id = ?", actor.EntityID())); err != nil {
			return nil, apperrors.Internal(err, "failed to count invoices")
		}

	case models.RoleDistributor:
		if stats.IncomingInvoices, err = countByStatus(db.Model(&models.ManufacturerInvoice{}).Where("to_distributor_id = ?", actor.EntityID())); err != nil {
			return nil, apperrors.Internal(err, "failed to count invoices")
		}
		if stats.OutgoingInvoices, err = countByStatus(db.Model(&models.CommercialInvoice{}).Where("from_distributor_id = ?", actor.EntityID())); err != nil {
			return nil, apperrors.Internal(err, "failed to count shipments")
		}

	case models.RolePharmacy:
		if stats.IncomingInvoices, err = countByStatus(db.Model(&models.CommercialInvoice{}).Where("to_pharmacy_id = ?", actor.EntityID())); err != nil {
			return nil, apperrors.Internal(err, "failed to count shipments")
		}

	case models.RoleSystemAdmin:
		if stats.Drugs, err = countByStatus(db.Model(&models.Drug{})); err != nil {
			return nil, apperrors.Internal(err, "failed to count drugs")
		}
		if err = db.Model(&models.ProductionRecord{}).Count(&stats.ProductionRecords).Error; err != nil {
			return nil, apperrors.Internal(err, "failed to count production records")
		}
		var roles []struct {
			Role  models.Role
			Count int64
		}
		if err = db.Model(&models.BusinessEntity{}).Select("role, COUNT(*) AS count").Group("role").Scan(&roles).Error; err != nil {
			return nil, apperrors.Internal(err, "failed to count entities")
		}
		stats.Entities = map[models.Role]int64{}
		for _, r := range roles {
			stats.Entities[r.Role] = r.Count
		}
		if err = db.Model(&models.AdminNotification{}).Where("status = ?", "unread").Count(&stats.OpenNotifications).Error; err != nil {
			return nil, apperrors.Internal(err, "failed to count notifications")
		}
	}

	return stats, nil
}

func countByStatus(query *gorm.DB) (map[string]int64, error) {
	var rows []statusCount
	if err := query.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
