package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/jonboulle/clockwork"
)

var (
	errUnreachable = errors.New("simulated network unreachable")
	errNotRegistry = errors.New("call target is not the registry")
)

const (
	simulatedBaseGas   = 21000
	simulatedIssueGas  = 45000
	simulatedRevokeGas = 12000
)

type simulatedEntry struct {
	fingerprint [32]byte
	cid         string
	issuedAt    int64
	revoked     bool
}

// SimulatedBackend is an in-process network hosting a single credential registry.
// Transactions are decoded from real signed, ABI-encoded payloads and mined immediately, one per
// block. Faults can be injected to exercise failure paths.
type SimulatedBackend struct {
	lock     sync.Mutex
	chainID  *big.Int
	registry common.Address
	clock    clockwork.Clock
	gasPrice *big.Int

	blockNumber uint64
	entries     map[string]*simulatedEntry
	usedNonces  map[common.Address]map[uint64]bool
	nextNonce   map[common.Address]uint64
	nonceFloor  map[common.Address]uint64
	receipts    map[common.Hash]*types.Receipt
	sent        []*types.Transaction

	nonceErr         error
	estimateErr      error
	callErr          error
	unreachable      bool
	withholdReceipts bool
	broadcastErr     error
	broadcastApplied bool
}

func NewSimulatedBackend(chainID *big.Int, registry common.Address, clock clockwork.Clock) *SimulatedBackend {
	return &SimulatedBackend{
		chainID:    chainID,
		registry:   registry,
		clock:      clock,
		gasPrice:   big.NewInt(params.GWei),
		entries:    make(map[string]*simulatedEntry),
		usedNonces: make(map[common.Address]map[uint64]bool),
		nextNonce:  make(map[common.Address]uint64),
		nonceFloor: make(map[common.Address]uint64),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

// FailNonceQueries makes PendingNonceAt fail with err until called again with nil.
func (b *SimulatedBackend) FailNonceQueries(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nonceErr = err
}

// FailGasEstimation makes EstimateGas fail with err until called again with nil.
func (b *SimulatedBackend) FailGasEstimation(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.estimateErr = err
}

// FailCalls makes read-only registry calls fail with err until called again with nil.
func (b *SimulatedBackend) FailCalls(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.callErr = err
}

// SetUnreachable makes every RPC fail.
func (b *SimulatedBackend) SetUnreachable(unreachable bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.unreachable = unreachable
}

// WithholdReceipts applies transactions but never reports them as mined.
func (b *SimulatedBackend) WithholdReceipts(withhold bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.withholdReceipts = withhold
}

// FailBroadcasts makes SendTransaction fail with err until called again with nil.
// With applied, the transaction is still mined, as when the reply to a successful broadcast is lost.
func (b *SimulatedBackend) FailBroadcasts(err error, applied bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.broadcastErr = err
	b.broadcastApplied = applied
}

// SetPendingNonce sets the network's view of an account's next nonce.
func (b *SimulatedBackend) SetPendingNonce(account common.Address, nonce uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextNonce[account] = nonce
	b.nonceFloor[account] = nonce
}

// OverwriteEntry replaces the registry entry for key without a transaction,
// to simulate on-chain state diverging from the record store.
func (b *SimulatedBackend) OverwriteEntry(key string, fingerprint common.Hash, cid string, revoked bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.entries[key] = &simulatedEntry{
		fingerprint: fingerprint,
		cid:         cid,
		issuedAt:    b.clock.Now().Unix(),
		revoked:     revoked,
	}
}

// SentTransactions returns the transactions broadcast so far, in arrival order.
func (b *SimulatedBackend) SentTransactions() []*types.Transaction {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *SimulatedBackend) ChainID(ctx context.Context) (*big.Int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return nil, errUnreachable
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *SimulatedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return 0, errUnreachable
	}
	return b.blockNumber, nil
}

func (b *SimulatedBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return nil, errUnreachable
	}
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *SimulatedBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return 0, errUnreachable
	}
	if b.nonceErr != nil {
		return 0, b.nonceErr
	}
	return b.nextNonce[account], nil
}

func (b *SimulatedBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return nil, errUnreachable
	}
	if account != b.registry {
		return nil, nil
	}
	return []byte{0x60, 0x80, 0x60, 0x40}, nil
}

func (b *SimulatedBackend) decode(to *common.Address, data []byte) (*abi.Method, []interface{}, error) {
	if to == nil || *to != b.registry {
		return nil, nil, errNotRegistry
	}
	if len(data) < 4 {
		return nil, nil, errors.New("calldata too short")
	}
	method, err := registry.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

// gasFor returns the gas a registry write consumes, or an error if it would revert.
func (b *SimulatedBackend) gasFor(method *abi.Method, args []interface{}, dataLen int) (uint64, error) {
	gas := uint64(simulatedBaseGas + 16*dataLen)
	key := args[0].(string)
	entry, exists := b.entries[key]
	switch method.Name {
	case methodIssue:
		if exists && !entry.revoked {
			return 0, fmt.Errorf("execution reverted: credential already issued for %q", key)
		}
		return gas + simulatedIssueGas, nil
	case methodRevoke:
		if !exists {
			return 0, fmt.Errorf("execution reverted: no credential for %q", key)
		}
		if entry.revoked {
			return 0, fmt.Errorf("execution reverted: credential for %q already revoked", key)
		}
		return gas + simulatedRevokeGas, nil
	default:
		return 0, fmt.Errorf("%s is not a write method", method.Name)
	}
}

func (b *SimulatedBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return 0, errUnreachable
	}
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	method, args, err := b.decode(call.To, call.Data)
	if err != nil {
		return 0, err
	}
	return b.gasFor(method, args, len(call.Data))
}

func (b *SimulatedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return errUnreachable
	}
	if b.broadcastErr != nil && !b.broadcastApplied {
		return b.broadcastErr
	}

	sender, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	used, ok := b.usedNonces[sender]
	if !ok {
		used = make(map[uint64]bool)
		b.usedNonces[sender] = used
	}
	if used[tx.Nonce()] || tx.Nonce() < b.nonceFloor[sender] {
		return fmt.Errorf("nonce too low: %d", tx.Nonce())
	}
	used[tx.Nonce()] = true
	if tx.Nonce() >= b.nextNonce[sender] {
		b.nextNonce[sender] = tx.Nonce() + 1
	}
	b.sent = append(b.sent, tx)

	b.blockNumber++
	receipt := &types.Receipt{
		Type:              tx.Type(),
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(b.blockNumber),
		EffectiveGasPrice: tx.GasPrice(),
		Status:            types.ReceiptStatusSuccessful,
	}
	b.execute(tx, receipt)
	receipt.CumulativeGasUsed = receipt.GasUsed
	b.receipts[tx.Hash()] = receipt
	return b.broadcastErr
}

func (b *SimulatedBackend) execute(tx *types.Transaction, receipt *types.Receipt) {
	method, args, err := b.decode(tx.To(), tx.Data())
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
		receipt.GasUsed = simulatedBaseGas
		return
	}
	gas, err := b.gasFor(method, args, len(tx.Data()))
	if err != nil || gas > tx.Gas() {
		receipt.Status = types.ReceiptStatusFailed
		receipt.GasUsed = tx.Gas()
		return
	}
	receipt.GasUsed = gas

	key := args[0].(string)
	switch method.Name {
	case methodIssue:
		b.entries[key] = &simulatedEntry{
			fingerprint: args[1].([32]byte),
			cid:         args[2].(string),
			issuedAt:    b.clock.Now().Unix(),
		}
	case methodRevoke:
		b.entries[key].revoked = true
	}
}

func (b *SimulatedBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return nil, errUnreachable
	}
	receipt, ok := b.receipts[txHash]
	if !ok || b.withholdReceipts {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *SimulatedBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unreachable {
		return nil, errUnreachable
	}
	if b.callErr != nil {
		return nil, b.callErr
	}
	method, args, err := b.decode(call.To, call.Data)
	if err != nil {
		return nil, err
	}

	key := args[0].(string)
	entry, exists := b.entries[key]
	switch method.Name {
	case methodVerify:
		fp := args[1].([32]byte)
		valid := exists && !entry.revoked && bytes.Equal(entry.fingerprint[:], fp[:])
		return method.Outputs.Pack(valid)
	case methodGet:
		if !exists {
			return method.Outputs.Pack([32]byte{}, "", new(big.Int), false, false)
		}
		return method.Outputs.Pack(entry.fingerprint, entry.cid, big.NewInt(entry.issuedAt), entry.revoked, true)
	default:
		return nil, fmt.Errorf("%s is not a view method", method.Name)
	}
}
