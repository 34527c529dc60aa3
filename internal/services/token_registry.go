// internal/services/token_registry.go
package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
)

// TokenRegistry is the off-chain mirror of token ownership and status.
type TokenRegistry struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

type TokenFilter struct {
	OwnerID  *uuid.UUID
	Statuses []models.TokenStatus
	Limit    int
}

type OwnershipResult struct {
	Valid      bool           `json:"valid"`
	MissingIDs []string       `json:"missing_token_ids"`
	Tokens     []models.Token `json:"tokens"`
}

// Transition moves a batch of tokens to a new status and owner. Only rows that
// still belong to FromOwner in one of FromStatuses are touched.
type Transition struct {
	TokenIDs     []string
	FromOwner    uuid.UUID
	FromStatuses []models.TokenStatus
	ToStatus     models.TokenStatus
	ToOwner      uuid.UUID
	TxHash       string
}

func NewTokenRegistry(db *gorm.DB, m *metrics.Metrics) *TokenRegistry {
	return &TokenRegistry{db: db, metrics: m}
}

// WithTx returns a registry bound to an open transaction.
func (r *TokenRegistry) WithTx(tx *gorm.DB) *TokenRegistry {
	return &TokenRegistry{db: tx, metrics: r.metrics}
}

// FindByIDs returns the matching tokens in the order the ids were given.
func (r *TokenRegistry) FindByIDs(ctx context.Context, ids []string, filter TokenFilter) ([]models.Token, error) {
	if len(ids) == 0 {
		return []models.Token{}, nil
	}

	var tokens []models.Token
	query := applyTokenFilter(r.db.WithContext(ctx).Where("token_id IN ?", ids), filter)
	if err := query.Find(&tokens).Error; err != nil {
		return nil, err
	}

	position := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, seen := position[id]; !seen {
			position[id] = i
		}
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return position[tokens[i].TokenID] < position[tokens[j].TokenID]
	})
	return tokens, nil
}

func (r *TokenRegistry) FindOne(ctx context.Context, tokenID string) (*models.Token, error) {
	var token models.Token
	err := r.db.WithContext(ctx).
		Preload("Drug").
		Preload("Owner").
		Where("token_id = ?", tokenID).
		First(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// OwnershipCheck reports whether every id is owned by owner in one of the
// allowed statuses. Duplicate ids count once.
func (r *TokenRegistry) OwnershipCheck(ctx context.Context, ids []string, owner uuid.UUID, allowed []models.TokenStatus) (*OwnershipResult, error) {
	unique := dedupeTokenIDs(ids)
	tokens, err := r.FindByIDs(ctx, unique, TokenFilter{OwnerID: &owner, Statuses: allowed})
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		found[t.TokenID] = true
	}
	missing := []string{}
	for _, id := range unique {
		if !found[id] {
			missing = append(missing, id)
		}
	}

	return &OwnershipResult{
		Valid:      len(missing) == 0,
		MissingIDs: missing,
		Tokens:     tokens,
	}, nil
}

// BulkTransition applies t as a single conditional UPDATE and returns the
// number of rows changed. A count below len(t.TokenIDs) means another
// transition got there first; the caller decides what that means.
func (r *TokenRegistry) BulkTransition(ctx context.Context, t Transition) (int64, error) {
	ids := dedupeTokenIDs(t.TokenIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	updates := map[string]interface{}{
		"status":     t.ToStatus,
		"owner_id":   t.ToOwner,
		"updated_at": time.Now(),
	}
	if t.TxHash != "" {
		updates["tx_hash"] = t.TxHash
	}

	result := r.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("token_id IN ? AND owner_id = ? AND status IN ?", ids, t.FromOwner, t.FromStatuses).
		Updates(updates)
	if result.Error != nil {
		return 0, result.Error
	}

	r.metrics.AddTokensMoved(string(t.ToStatus), int(result.RowsAffected))
	return result.RowsAffected, nil
}

// SetStatusByDrug is the administrative path used by recalls; owners stay put.
func (r *TokenRegistry) SetStatusByDrug(ctx context.Context, drugID uuid.UUID, fromStatuses []models.TokenStatus, status models.TokenStatus) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("drug_id = ? AND status IN ?", drugID, fromStatuses).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return 0, result.Error
	}
	r.metrics.AddTokensMoved(string(status), int(result.RowsAffected))
	return result.RowsAffected, nil
}

func (r *TokenRegistry) CreateMinted(ctx context.Context, tokens []models.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(tokens, 100).Error; err != nil {
		return err
	}
	r.metrics.AddTokensMoved(string(models.TokenStatusMinted), len(tokens))
	return nil
}

func (r *TokenRegistry) FindByTxHash(ctx context.Context, txHash string) ([]models.Token, error) {
	var tokens []models.Token
	if err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).Find(&tokens).Error; err != nil {
		return nil, err
	}
	sortTokens(tokens)
	return tokens, nil
}

func (r *TokenRegistry) FindByProduction(ctx context.Context, productionRecordID uuid.UUID, filter TokenFilter) ([]models.Token, error) {
	var tokens []models.Token
	query := applyTokenFilter(r.db.WithContext(ctx).Where("production_record_id = ?", productionRecordID), filter)
	if err := query.Find(&tokens).Error; err != nil {
		return nil, err
	}
	sortTokens(tokens)
	return tokens, nil
}

func (r *TokenRegistry) FindByOwnerStatus(ctx context.Context, owner uuid.UUID, statuses []models.TokenStatus, limit int) ([]models.Token, error) {
	var tokens []models.Token
	query := applyTokenFilter(r.db.WithContext(ctx), TokenFilter{OwnerID: &owner, Statuses: statuses, Limit: limit})
	if err := query.Order("created_at ASC").Find(&tokens).Error; err != nil {
		return nil, err
	}
	sortTokens(tokens)
	return tokens, nil
}

// CountByStatus counts tokens per status, optionally for a single owner.
// Every status is present in the result.
func (r *TokenRegistry) CountByStatus(ctx context.Context, owner *uuid.UUID) (map[models.TokenStatus]int64, error) {
	var rows []struct {
		Status models.TokenStatus
		Count  int64
	}
	query := r.db.WithContext(ctx).Model(&models.Token{}).Select("status, COUNT(*) AS count")
	if owner != nil {
		query = query.Where("owner_id = ?", *owner)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[models.TokenStatus]int64, len(models.AllTokenStatuses))
	for _, s := range models.AllTokenStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func applyTokenFilter(query *gorm.DB, filter TokenFilter) *gorm.DB {
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query
}

func dedupeTokenIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique
}

func sortTokens(tokens []models.Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return blockchain.CompareTokenIDs(tokens[i].TokenID, tokens[j].TokenID) < 0
	})
}

func tokenIDsOf(tokens []models.Token) []string {
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.TokenID
	}
	return ids
}
