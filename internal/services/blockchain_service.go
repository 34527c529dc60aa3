// internal/services/blockchain_service.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

const defaultLedgerCallTimeout = 60 * time.Second

// BlockchainService is the ledger gateway. Every client failure, including a
// deadline expiry, comes back as a LEDGER_ERROR. Nothing is retried here.
type BlockchainService struct {
	client          blockchain.Client
	timeout         time.Duration
	contractAddress string
	metrics         *metrics.Metrics
}

func NewBlockchainService(client blockchain.Client, cfg config.LedgerConfig, m *metrics.Metrics) *BlockchainService {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultLedgerCallTimeout
	}
	return &BlockchainService{
		client:          client,
		timeout:         timeout,
		contractAddress: cfg.TokenContract,
		metrics:         m,
	}
}

func (s *BlockchainService) ContractAddress() string {
	return s.contractAddress
}

// Mint creates unitCount tokens with amount 1 each, owned by the signer.
func (s *BlockchainService) Mint(ctx context.Context, signingKey string, unitCount int) (*blockchain.MintResult, error) {
	if unitCount <= 0 {
		return nil, apperrors.Validation("unit count must be positive")
	}
	amounts := make([]int64, unitCount)
	for i := range amounts {
		amounts[i] = 1
	}

	var result *blockchain.MintResult
	err := s.call(ctx, "mint", logrus.Fields{"units": unitCount}, func(ctx context.Context) error {
		var err error
		result, err = s.client.Mint(ctx, signingKey, amounts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BlockchainService) Transfer(ctx context.Context, req blockchain.TransferRequest) (*blockchain.Receipt, error) {
	if len(req.TokenIDs) == 0 || len(req.TokenIDs) != len(req.Amounts) {
		return nil, apperrors.Validation("token ids and amounts must be non-empty and of equal length")
	}

	fields := logrus.Fields{
		"leg":       req.Leg,
		"recipient": req.Recipient,
		"tokens":    len(req.TokenIDs),
	}
	var receipt *blockchain.Receipt
	err := s.call(ctx, "transfer", fields, func(ctx context.Context) error {
		var err error
		receipt, err = s.client.Transfer(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// History returns the custody moves the contract recorded for one token.
func (s *BlockchainService) History(ctx context.Context, tokenID string) ([]blockchain.TrackingEntry, error) {
	var entries []blockchain.TrackingEntry
	err := s.call(ctx, "history", logrus.Fields{"token_id": tokenID}, func(ctx context.Context) error {
		var err error
		entries, err = s.client.TrackingHistory(ctx, tokenID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BlockchainService) LookupTransaction(ctx context.Context, txHash string) (*blockchain.TxLookup, error) {
	var lookup *blockchain.TxLookup
	err := s.call(ctx, "lookup", logrus.Fields{"tx_hash": txHash}, func(ctx context.Context) error {
		var err error
		lookup, err = s.client.LookupTransaction(ctx, txHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lookup, nil
}

// RegisterParticipant grants the contract role for a wallet when the client
// supports it. Clients without access control treat it as done.
func (s *BlockchainService) RegisterParticipant(ctx context.Context, p blockchain.Participant) error {
	registrar, ok := s.client.(blockchain.ParticipantRegistrar)
	if !ok {
		return nil
	}
	fields := logrus.Fields{"address": p.Address, "participant_type": p.Type}
	return s.call(ctx, "register_participant", fields, func(ctx context.Context) error {
		return registrar.RegisterParticipant(ctx, p)
	})
}

func (s *BlockchainService) call(ctx context.Context, operation string, fields logrus.Fields, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	duration := time.Since(start)
	s.metrics.ObserveLedgerCall(operation, err, duration)

	entry := logrus.WithFields(fields).WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		message := "ledger " + operation + " failed"
		if errors.Is(err, context.DeadlineExceeded) {
			message = "ledger " + operation + " timed out"
		}
		entry.WithError(err).Warn("Ledger call failed")
		return apperrors.Ledger(err, message)
	}

	entry.Info("Ledger call completed")
	return nil
}
