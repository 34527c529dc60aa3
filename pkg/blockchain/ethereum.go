// pkg/blockchain/ethereum.go
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const tokenContractABI = `[
  {"type":"function","name":"mintNFT","stateMutability":"nonpayable",
   "inputs":[{"name":"amounts","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"manufacturerTransferToDistributor","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIds","type":"uint256[]"},{"name":"amounts","type":"uint256[]"},{"name":"distributor","type":"address"}],"outputs":[]},
  {"type":"function","name":"distributorTransferToPharmacy","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenIds","type":"uint256[]"},{"name":"amounts","type":"uint256[]"},{"name":"pharmacy","type":"address"}],"outputs":[]},
  {"type":"function","name":"getTrackingHistory","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"fromUserType","type":"string"},
     {"name":"toUserType","type":"string"},
     {"name":"fromUserAddress","type":"address"},
     {"name":"toUserAddress","type":"address"},
     {"name":"recivedtimeSpan","type":"uint256"}]}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"mintNFTEvent","anonymous":false,
   "inputs":[{"name":"tokenIds","type":"uint256[]","indexed":false}]}
]`

const accessControlABI = `[
  {"type":"function","name":"addManufacturer","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"taxCode","type":"string"},{"name":"licenseNo","type":"string"}],"outputs":[]},
  {"type":"function","name":"addDistributor","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"taxCode","type":"string"},{"name":"licenseNo","type":"string"}],"outputs":[]},
  {"type":"function","name":"addPharmacy","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"taxCode","type":"string"},{"name":"licenseNo","type":"string"}],"outputs":[]}
]`

type EthereumConfig struct {
	RPCURL               string
	ChainID              int64
	TokenContract        string
	AccessControlAddress string
	// OperatorKey signs access-control registrations.
	OperatorKey string
}

type trackingRecord struct {
	FromUserType    string
	ToUserType      string
	FromUserAddress common.Address
	ToUserAddress   common.Address
	RecivedtimeSpan *big.Int
}

// EthereumClient talks to the deployed custody contracts over JSON-RPC.
type EthereumClient struct {
	cfg EthereumConfig

	mu            sync.RWMutex
	rpc           *ethclient.Client
	chainID       *big.Int
	tokenABI      abi.ABI
	token         *bind.BoundContract
	accessControl *bind.BoundContract
}

func NewEthereumClient(cfg EthereumConfig) (*EthereumClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger RPC URL is required")
	}
	if !IsAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("token contract: %w", ErrInvalidAddress)
	}
	if cfg.AccessControlAddress != "" && !IsAddress(cfg.AccessControlAddress) {
		return nil, fmt.Errorf("access control contract: %w", ErrInvalidAddress)
	}
	return &EthereumClient{cfg: cfg}, nil
}

func (c *EthereumClient) Connect(ctx context.Context) error {
	tokenABI, err := abi.JSON(strings.NewReader(tokenContractABI))
	if err != nil {
		return fmt.Errorf("parse token contract abi: %w", err)
	}
	acABI, err := abi.JSON(strings.NewReader(accessControlABI))
	if err != nil {
		return fmt.Errorf("parse access control abi: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ledger rpc: %w", err)
	}

	chainID := big.NewInt(c.cfg.ChainID)
	if c.cfg.ChainID == 0 {
		chainID, err = rpc.ChainID(ctx)
		if err != nil {
			rpc.Close()
			return fmt.Errorf("read chain id: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpc = rpc
	c.chainID = chainID
	c.tokenABI = tokenABI
	c.token = bind.NewBoundContract(common.HexToAddress(c.cfg.TokenContract), tokenABI, rpc, rpc, rpc)
	if c.cfg.AccessControlAddress != "" {
		c.accessControl = bind.NewBoundContract(common.HexToAddress(c.cfg.AccessControlAddress), acABI, rpc, rpc, rpc)
	}
	return nil
}

func (c *EthereumClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	return nil
}

func (c *EthereumClient) Mint(ctx context.Context, signingKey string, amounts []int64) (*MintResult, error) {
	if len(amounts) == 0 {
		return nil, errors.New("at least one amount is required")
	}
	token, err := c.contracts()
	if err != nil {
		return nil, err
	}
	opts, err := c.transactor(ctx, signingKey)
	if err != nil {
		return nil, err
	}

	tx, err := token.contract.Transact(opts, "mintNFT", toBigInts(amounts))
	if err != nil {
		return nil, fmt.Errorf("send mintNFT: %w", err)
	}
	receipt, err := c.waitMined(ctx, token.rpc, tx)
	if err != nil {
		return nil, err
	}

	ids, err := c.mintedTokenIDs(token, receipt)
	if err != nil {
		return nil, err
	}
	return &MintResult{
		Receipt:  Receipt{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()},
		TokenIDs: ids,
	}, nil
}

func (c *EthereumClient) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if !IsAddress(req.Recipient) {
		return nil, ErrInvalidAddress
	}
	if len(req.TokenIDs) == 0 || len(req.TokenIDs) != len(req.Amounts) {
		return nil, errors.New("token ids and amounts must be non-empty and of equal length")
	}

	method := req.Leg.ContractMethod()

	ids := make([]*big.Int, len(req.TokenIDs))
	for i, id := range req.TokenIDs {
		v, err := tokenIDToBig(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, id)
		}
		ids[i] = v
	}

	token, err := c.contracts()
	if err != nil {
		return nil, err
	}
	opts, err := c.transactor(ctx, req.SigningKey)
	if err != nil {
		return nil, err
	}

	tx, err := token.contract.Transact(opts, method, ids, toBigInts(req.Amounts), common.HexToAddress(req.Recipient))
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	receipt, err := c.waitMined(ctx, token.rpc, tx)
	if err != nil {
		return nil, err
	}
	return &Receipt{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (c *EthereumClient) TrackingHistory(ctx context.Context, tokenID string) ([]TrackingEntry, error) {
	id, err := tokenIDToBig(tokenID)
	if err != nil {
		return nil, err
	}
	token, err := c.contracts()
	if err != nil {
		return nil, err
	}

	var out []interface{}
	if err := token.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTrackingHistory", id); err != nil {
		return nil, fmt.Errorf("call getTrackingHistory: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	records := *abi.ConvertType(out[0], new([]trackingRecord)).(*[]trackingRecord)
	entries := make([]TrackingEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, TrackingEntry{
			FromType:    r.FromUserType,
			ToType:      r.ToUserType,
			FromAddress: r.FromUserAddress.Hex(),
			ToAddress:   r.ToUserAddress.Hex(),
			Timestamp:   time.Unix(r.RecivedtimeSpan.Int64(), 0).UTC(),
		})
	}
	return entries, nil
}

func (c *EthereumClient) LookupTransaction(ctx context.Context, txHash string) (*TxLookup, error) {
	if !IsTxHash(txHash) {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	token, err := c.contracts()
	if err != nil {
		return nil, err
	}

	receipt, err := token.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TxLookup{TxHash: txHash, Status: TxStatusNotFound}, nil
		}
		return nil, fmt.Errorf("read receipt: %w", err)
	}

	status := TxStatusSuccess
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = TxStatusFailed
	}
	return &TxLookup{TxHash: txHash, Status: status, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (c *EthereumClient) RegisterParticipant(ctx context.Context, p Participant) error {
	if !IsAddress(p.Address) {
		return ErrInvalidAddress
	}
	c.mu.RLock()
	ac, rpc := c.accessControl, c.rpc
	c.mu.RUnlock()
	if rpc == nil {
		return ErrNotConnected
	}
	if ac == nil || c.cfg.OperatorKey == "" {
		// Participant roles are managed outside this deployment.
		return nil
	}

	var method string
	switch p.Type {
	case ParticipantManufacturer:
		method = "addManufacturer"
	case ParticipantDistributor:
		method = "addDistributor"
	case ParticipantPharmacy:
		method = "addPharmacy"
	default:
		return fmt.Errorf("unknown participant type %q", p.Type)
	}

	opts, err := c.transactor(ctx, c.cfg.OperatorKey)
	if err != nil {
		return err
	}
	tx, err := ac.Transact(opts, method, common.HexToAddress(p.Address), p.TaxCode, p.LicenseNo)
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	_, err = c.waitMined(ctx, rpc, tx)
	return err
}

// tokenBinding is a snapshot of the connected token contract taken under c.mu.
type tokenBinding struct {
	contract *bind.BoundContract
	abi      abi.ABI
	rpc      *ethclient.Client
}

func (c *EthereumClient) contracts() (tokenBinding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpc == nil || c.token == nil {
		return tokenBinding{}, ErrNotConnected
	}
	return tokenBinding{contract: c.token, abi: c.tokenABI, rpc: c.rpc}, nil
}

func (c *EthereumClient) transactor(ctx context.Context, signingKey string) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signingKey, "0x"))
	if err != nil {
		return nil, ErrInvalidKey
	}
	c.mu.RLock()
	chainID := c.chainID
	c.mu.RUnlock()

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (c *EthereumClient) waitMined(ctx context.Context, rpc *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, rpc, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted in block %d", tx.Hash().Hex(), receipt.BlockNumber.Uint64())
	}
	return receipt, nil
}

func (c *EthereumClient) mintedTokenIDs(token tokenBinding, receipt *types.Receipt) ([]string, error) {
	event := token.abi.Events["mintNFTEvent"]
	contract := common.HexToAddress(c.cfg.TokenContract)

	for _, lg := range receipt.Logs {
		if lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		var ev struct {
			TokenIds []*big.Int
		}
		if err := token.contract.UnpackLog(&ev, "mintNFTEvent", *lg); err != nil {
			return nil, fmt.Errorf("decode mintNFTEvent: %w", err)
		}
		ids := make([]string, len(ev.TokenIds))
		for i, id := range ev.TokenIds {
			ids[i] = id.String()
		}
		return ids, nil
	}
	return nil, fmt.Errorf("mint receipt %s carries no mintNFTEvent", receipt.TxHash.Hex())
}

func toBigInts(values []int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}
