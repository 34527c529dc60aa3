// internal/services/provenance_resolver.go
package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/javajoker/pharma-custody-backend/internal/models"
)

// Strategy names reported with a resolution.
const (
	ProvenanceByTxHash     = "tx_hash"
	ProvenanceByProduction = "production_record"
	ProvenanceByOwner      = "owner_transferred"
	ProvenanceFromLines    = "invoice_lines"
)

const ownerFallbackLimit = 100

// ProvenanceQuery describes an invoice whose token set was never recorded.
type ProvenanceQuery struct {
	TxHash             string
	ProductionRecordID *uuid.UUID
	CallerID           uuid.UUID
}

type ProvenanceStrategy interface {
	Name() string
	Resolve(ctx context.Context, q ProvenanceQuery) ([]models.Token, error)
}

type ProvenanceResult struct {
	Strategy string         `json:"strategy"`
	TokenIDs []string       `json:"token_ids"`
	Tokens   []models.Token `json:"-"`
}

// ProvenanceResolver guesses the tokens behind an invoice. The answer is
// advisory and is never used to mutate custody state.
type ProvenanceResolver struct {
	strategies []ProvenanceStrategy
}

func NewProvenanceResolver(registry *TokenRegistry) *ProvenanceResolver {
	return NewProvenanceResolverWith(
		&txHashStrategy{registry: registry},
		&productionRecordStrategy{registry: registry},
		&ownerTransferredStrategy{registry: registry, limit: ownerFallbackLimit},
	)
}

func NewProvenanceResolverWith(strategies ...ProvenanceStrategy) *ProvenanceResolver {
	return &ProvenanceResolver{strategies: strategies}
}

// Resolve runs the strategies in order and returns the first non-empty answer.
func (r *ProvenanceResolver) Resolve(ctx context.Context, q ProvenanceQuery) (*ProvenanceResult, error) {
	for _, strategy := range r.strategies {
		tokens, err := strategy.Resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(tokens) > 0 {
			return &ProvenanceResult{
				Strategy: strategy.Name(),
				TokenIDs: tokenIDsOf(tokens),
				Tokens:   tokens,
			}, nil
		}
	}
	return &ProvenanceResult{TokenIDs: []string{}}, nil
}

type txHashStrategy struct {
	registry *TokenRegistry
}

func (s *txHashStrategy) Name() string { return ProvenanceByTxHash }

// Resolve prefers the caller's tokens among those written by the transaction.
func (s *txHashStrategy) Resolve(ctx context.Context, q ProvenanceQuery) ([]models.Token, error) {
	if q.TxHash == "" {
		return nil, nil
	}
	tokens, err := s.registry.FindByTxHash(ctx, q.TxHash)
	if err != nil {
		return nil, err
	}

	owned := make([]models.Token, 0, len(tokens))
	for _, t := range tokens {
		if t.OwnerID == q.CallerID {
			owned = append(owned, t)
		}
	}
	if len(owned) > 0 {
		return owned, nil
	}
	return tokens, nil
}

type productionRecordStrategy struct {
	registry *TokenRegistry
}

func (s *productionRecordStrategy) Name() string { return ProvenanceByProduction }

func (s *productionRecordStrategy) Resolve(ctx context.Context, q ProvenanceQuery) ([]models.Token, error) {
	if q.ProductionRecordID == nil {
		return nil, nil
	}
	return s.registry.FindByProduction(ctx, *q.ProductionRecordID, TokenFilter{
		OwnerID:  &q.CallerID,
		Statuses: []models.TokenStatus{models.TokenStatusMinted, models.TokenStatusTransferred},
	})
}

type ownerTransferredStrategy struct {
	registry *TokenRegistry
	limit    int
}

func (s *ownerTransferredStrategy) Name() string { return ProvenanceByOwner }

func (s *ownerTransferredStrategy) Resolve(ctx context.Context, q ProvenanceQuery) ([]models.Token, error) {
	return s.registry.FindByOwnerStatus(ctx, q.CallerID, []models.TokenStatus{models.TokenStatusTransferred}, s.limit)
}
