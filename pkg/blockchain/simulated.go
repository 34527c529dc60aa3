// pkg/blockchain/simulated.go
package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimulatedClient is an in-memory custody contract used for local development
// and tests. Token ids are assigned sequentially and every accepted
// transaction is mined immediately in its own block.
type SimulatedClient struct {
	mu           sync.Mutex
	connected    bool
	nextTokenID  *big.Int
	block        uint64
	nonce        uint64
	balances     map[string]map[string]int64 // token id -> lower-case address -> amount
	history      map[string][]TrackingEntry
	participants map[string]string
	txs          map[string]*TxLookup
	failNext     error
	latency      time.Duration
	now          func() time.Time
}

func NewSimulatedClient(firstTokenID uint64) *SimulatedClient {
	if firstTokenID == 0 {
		firstTokenID = 1
	}
	return &SimulatedClient{
		nextTokenID:  new(big.Int).SetUint64(firstTokenID),
		block:        1,
		balances:     make(map[string]map[string]int64),
		history:      make(map[string][]TrackingEntry),
		participants: make(map[string]string),
		txs:          make(map[string]*TxLookup),
		now:          time.Now,
	}
}

func (c *SimulatedClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *SimulatedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// FailNext makes the next state-changing or query call return err.
func (c *SimulatedClient) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// SetLatency delays every call, honouring context cancellation.
func (c *SimulatedClient) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

func (c *SimulatedClient) RegisterParticipant(ctx context.Context, p Participant) error {
	if !IsAddress(p.Address) {
		return ErrInvalidAddress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[strings.ToLower(p.Address)] = p.Type
	return nil
}

func (c *SimulatedClient) Mint(ctx context.Context, signingKey string, amounts []int64) (*MintResult, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	if len(amounts) == 0 {
		return nil, fmt.Errorf("execution reverted: empty mint")
	}
	minter, err := AddressFromKey(signingKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(amounts))
	for _, amount := range amounts {
		if amount <= 0 {
			return nil, fmt.Errorf("execution reverted: amount must be positive")
		}
		id := c.nextTokenID.String()
		c.nextTokenID.Add(c.nextTokenID, big.NewInt(1))
		c.balances[id] = map[string]int64{strings.ToLower(minter): amount}
		ids = append(ids, id)
	}

	receipt := c.mine("mint", minter, ids)
	for _, id := range ids {
		c.history[id] = append(c.history[id], TrackingEntry{
			ToType:      c.participantType(minter),
			FromAddress: common.Address{}.Hex(),
			ToAddress:   minter,
			Timestamp:   c.now(),
		})
	}
	return &MintResult{Receipt: receipt, TokenIDs: ids}, nil
}

func (c *SimulatedClient) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	if !IsAddress(req.Recipient) {
		return nil, ErrInvalidAddress
	}
	if len(req.TokenIDs) == 0 || len(req.TokenIDs) != len(req.Amounts) {
		return nil, fmt.Errorf("execution reverted: token ids and amounts length mismatch")
	}
	sender, err := AddressFromKey(req.SigningKey)
	if err != nil {
		return nil, err
	}
	from := strings.ToLower(sender)
	to := strings.ToLower(req.Recipient)

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, id := range req.TokenIDs {
		owners, ok := c.balances[id]
		if !ok {
			return nil, fmt.Errorf("execution reverted: token %s does not exist", id)
		}
		if owners[from] < req.Amounts[i] {
			return nil, fmt.Errorf("execution reverted: insufficient balance for token %s", id)
		}
	}

	for i, id := range req.TokenIDs {
		owners := c.balances[id]
		owners[from] -= req.Amounts[i]
		if owners[from] == 0 {
			delete(owners, from)
		}
		owners[to] += req.Amounts[i]
		c.history[id] = append(c.history[id], TrackingEntry{
			FromType:    c.participantType(sender),
			ToType:      c.participantType(req.Recipient),
			FromAddress: sender,
			ToAddress:   common.HexToAddress(req.Recipient).Hex(),
			Timestamp:   c.now(),
		})
	}

	receipt := c.mine(string(req.Leg), sender, req.TokenIDs)
	return &receipt, nil
}

func (c *SimulatedClient) TrackingHistory(ctx context.Context, tokenID string) ([]TrackingEntry, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.history[tokenID]
	out := make([]TrackingEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (c *SimulatedClient) LookupTransaction(ctx context.Context, txHash string) (*TxLookup, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx, ok := c.txs[strings.ToLower(txHash)]; ok {
		found := *tx
		return &found, nil
	}
	return &TxLookup{TxHash: txHash, Status: TxStatusNotFound}, nil
}

// RecordFailedTransaction registers a mined but reverted transaction and
// returns its hash.
func (c *SimulatedClient) RecordFailedTransaction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt := c.mine("reverted", common.Address{}.Hex(), nil)
	c.txs[strings.ToLower(receipt.TxHash)].Status = TxStatusFailed
	return receipt.TxHash
}

// BalanceOf returns the amount of a token held by address.
func (c *SimulatedClient) BalanceOf(address, tokenID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[tokenID][strings.ToLower(address)]
}

func (c *SimulatedClient) begin(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	latency := c.latency
	failure := c.failNext
	c.failNext = nil
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return failure
}

// mine must be called with c.mu held.
func (c *SimulatedClient) mine(kind, sender string, ids []string) Receipt {
	c.nonce++
	c.block++
	payload := fmt.Sprintf("%s|%s|%d|%s", kind, strings.ToLower(sender), c.nonce, strings.Join(ids, ","))
	hash := crypto.Keccak256Hash([]byte(payload)).Hex()
	c.txs[strings.ToLower(hash)] = &TxLookup{TxHash: hash, Status: TxStatusSuccess, BlockNumber: c.block}
	return Receipt{TxHash: hash, BlockNumber: c.block}
}

func (c *SimulatedClient) participantType(address string) string {
	if t, ok := c.participants[strings.ToLower(address)]; ok {
		return t
	}
	return "unknown"
}
