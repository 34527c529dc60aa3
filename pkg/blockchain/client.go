// pkg/blockchain/client.go
package blockchain

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leg selects the contract entry point used for a custody transfer.
type Leg string

const (
	LegToDistributor Leg = "to_distributor"
	LegToPharmacy    Leg = "to_pharmacy"
)

// ContractMethod is the custody contract function a signer calls for the leg.
func (l Leg) ContractMethod() string {
	if l == LegToPharmacy {
		return "distributorTransferToPharmacy"
	}
	return "manufacturerTransferToDistributor"
}

type TxStatus string

const (
	TxStatusSuccess  TxStatus = "success"
	TxStatusFailed   TxStatus = "failed"
	TxStatusNotFound TxStatus = "not_found"
)

// Participant types recorded by the custody contract.
const (
	ParticipantManufacturer = "manufacturer"
	ParticipantDistributor  = "distributor"
	ParticipantPharmacy     = "pharmacy"
)

var (
	ErrNotConnected   = errors.New("ledger client is not connected")
	ErrInvalidAddress = errors.New("invalid ledger address")
	ErrInvalidKey     = errors.New("invalid signing key")
	ErrInvalidTokenID = errors.New("invalid token id")
)

type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

type MintResult struct {
	Receipt
	TokenIDs []string `json:"token_ids"`
}

type TransferRequest struct {
	SigningKey string
	TokenIDs   []string
	Amounts    []int64
	Recipient  string
	Leg        Leg
}

type TrackingEntry struct {
	FromType    string    `json:"from_type"`
	ToType      string    `json:"to_type"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Timestamp   time.Time `json:"timestamp"`
}

type TxLookup struct {
	TxHash      string   `json:"tx_hash"`
	Status      TxStatus `json:"status"`
	BlockNumber uint64   `json:"block_number,omitempty"`
}

// Client is the custody contract as seen from the backend. Implementations
// return once the transaction is mined or has failed.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Mint(ctx context.Context, signingKey string, amounts []int64) (*MintResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
	TrackingHistory(ctx context.Context, tokenID string) ([]TrackingEntry, error)
	LookupTransaction(ctx context.Context, txHash string) (*TxLookup, error)
}

type Participant struct {
	Address   string
	Type      string
	TaxCode   string
	LicenseNo string
}

// ParticipantRegistrar is implemented by clients that can grant a contract
// role to a wallet address.
type ParticipantRegistrar interface {
	RegisterParticipant(ctx context.Context, p Participant) error
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsAddress accepts only 0x-prefixed 40 hex character addresses.
func IsAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// IsTokenID accepts non-negative decimal integers without a sign or leading zeros.
func IsTokenID(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AddressFromKey derives the checksummed wallet address of a hex private key.
func AddressFromKey(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", ErrInvalidKey
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// SameAddress compares addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// SortTokenIDs orders decimal token ids numerically in place.
func SortTokenIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return CompareTokenIDs(ids[i], ids[j]) < 0
	})
}

// CompareTokenIDs orders two decimal token ids numerically.
func CompareTokenIDs(a, b string) int {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	return x.Cmp(y)
}

func tokenIDToBig(id string) (*big.Int, error) {
	if !IsTokenID(id) {
		return nil, ErrInvalidTokenID
	}
	v, _ := new(big.Int).SetString(id, 10)
	return v, nil
}
