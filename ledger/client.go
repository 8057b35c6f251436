package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/credential-registry/registry-api/models"
	"github.com/credential-registry/registry-api/util"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const (
	DefaultGasMargin      = 1.20
	DefaultConfirmTimeout = 2 * time.Minute
	DefaultCallTimeout    = 15 * time.Second

	defaultReadRetries    = 2
	defaultReadRetryDelay = 250 * time.Millisecond
)

// Backend is the subset of the network RPC the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.DeployBackend
	NonceSource
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config contains the configuration for a Client.
type Config struct {
	Backend  Backend
	Registry common.Address
	Wallet   *util.Wallet
	ChainID  *big.Int
	// Defaults to an in-process NonceSequencer for Wallet.
	Sequencer Sequencer
	// Multiplier applied to the gas estimate to get the gas limit.
	GasMargin      float64
	ConfirmTimeout time.Duration
	CallTimeout    time.Duration
	// Number of retries for read-only calls. Writes are never retried.
	ReadRetries    uint64
	ReadRetryDelay time.Duration
	Logger         *zap.Logger
}

// Record is the registry's entry for a ledger key.
type Record struct {
	Fingerprint string
	CID         string
	IssuedAt    time.Time
	IsRevoked   bool
}

// NetworkStatus is a liveness snapshot of the network.
type NetworkStatus struct {
	BlockHeight uint64 `json:"blockHeight"`
	GasPrice    string `json:"gasPrice"`
	Reachable   bool   `json:"reachable"`
}

// Client translates registry operations into signed or read-only calls against the network.
type Client struct {
	backend        Backend
	registry       common.Address
	wallet         *util.Wallet
	chainID        *big.Int
	sequencer      Sequencer
	gasMargin      float64
	confirmTimeout time.Duration
	callTimeout    time.Duration
	readRetries    uint64
	readRetryDelay time.Duration
	logger         *zap.Logger
}

func NewClient(config *Config) *Client {
	c := &Client{
		backend:        config.Backend,
		registry:       config.Registry,
		wallet:         config.Wallet,
		chainID:        config.ChainID,
		sequencer:      config.Sequencer,
		gasMargin:      config.GasMargin,
		confirmTimeout: config.ConfirmTimeout,
		callTimeout:    config.CallTimeout,
		readRetries:    config.ReadRetries,
		readRetryDelay: config.ReadRetryDelay,
		logger:         config.Logger,
	}
	if c.gasMargin < 1 {
		c.gasMargin = DefaultGasMargin
	}
	if c.confirmTimeout == 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}
	if c.callTimeout == 0 {
		c.callTimeout = DefaultCallTimeout
	}
	if c.readRetries == 0 {
		c.readRetries = defaultReadRetries
	}
	if c.readRetryDelay == 0 {
		c.readRetryDelay = defaultReadRetryDelay
	}
	if c.sequencer == nil {
		c.sequencer = NewNonceSequencer(c.backend, *c.wallet.Address, c.logger)
	}
	return c
}

// Address returns the signing identity's address.
func (c *Client) Address() common.Address {
	return *c.wallet.Address
}

// Issue anchors a credential's fingerprint and CID under subjectKey and waits for one confirmation.
func (c *Client) Issue(ctx context.Context, subjectKey, fingerprint, cid string) (*models.LedgerReceipt, error) {
	fp, err := util.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, &SubmissionError{Op: methodIssue, Err: err}
	}
	data, err := registry.Pack(methodIssue, subjectKey, [32]byte(fp), cid)
	if err != nil {
		return nil, &SubmissionError{Op: methodIssue, Err: err}
	}
	return c.transact(ctx, methodIssue, subjectKey, data)
}

// Revoke marks the credential under subjectKey as revoked and waits for one confirmation.
func (c *Client) Revoke(ctx context.Context, subjectKey string) (*models.LedgerReceipt, error) {
	data, err := registry.Pack(methodRevoke, subjectKey)
	if err != nil {
		return nil, &SubmissionError{Op: methodRevoke, Err: err}
	}
	return c.transact(ctx, methodRevoke, subjectKey, data)
}

func applyGasMargin(estimate uint64, margin float64) uint64 {
	return uint64(math.Ceil(float64(estimate) * margin))
}

func (c *Client) transact(ctx context.Context, op string, subjectKey string, data []byte) (*models.LedgerReceipt, error) {
	from := *c.wallet.Address
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	// Estimate before allocating a nonce, so an estimation failure does not skip one.
	estimate, err := c.backend.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &c.registry, Data: data})
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: fmt.Errorf("estimate gas: %w", err)}
	}
	gasLimit := applyGasMargin(estimate, c.gasMargin)

	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: fmt.Errorf("get fee data: %w", err)}
	}

	nonce, err := c.sequencer.Allocate(callCtx)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: fmt.Errorf("allocate nonce: %w", err)}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &c.registry,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := c.wallet.SignTx(tx, c.chainID)
	if err != nil {
		c.logger.Warn("Failed to sign transaction, nonce will be skipped",
			zap.String("op", op), zap.Uint64("nonce", nonce), zap.Error(err))
		return nil, &SubmissionError{Op: op, Err: fmt.Errorf("sign transaction: %w", err)}
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		if broadcastMayHaveLanded(err) {
			c.logger.Error("Broadcast outcome is unknown, the transaction may still be mined",
				zap.String("op", op),
				zap.String("subjectKey", subjectKey),
				zap.String("txHash", signed.Hash().Hex()),
				zap.Uint64("nonce", nonce),
				zap.Error(err))
			return nil, &ConfirmationError{Op: op, TxHash: signed.Hash(), Err: fmt.Errorf("send transaction: %w", err)}
		}
		c.logger.Warn("Failed to broadcast transaction, nonce will be skipped",
			zap.String("op", op), zap.Uint64("nonce", nonce), zap.Error(err))
		return nil, &SubmissionError{Op: op, Err: fmt.Errorf("send transaction: %w", err)}
	}

	c.logger.Info("Submitted registry transaction",
		zap.String("op", op),
		zap.String("subjectKey", subjectKey),
		zap.String("txHash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gasEstimate", estimate),
		zap.Uint64("gasLimit", gasLimit),
	)

	waitCtx, waitCancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer waitCancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, signed)
	if err != nil {
		c.logger.Error("Registry transaction was not confirmed",
			zap.String("op", op),
			zap.String("subjectKey", subjectKey),
			zap.String("txHash", signed.Hash().Hex()),
			zap.Error(err))
		return nil, &ConfirmationError{Op: op, TxHash: signed.Hash(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.logger.Error("Registry transaction reverted",
			zap.String("op", op),
			zap.String("subjectKey", subjectKey),
			zap.String("txHash", signed.Hash().Hex()))
		return nil, &ConfirmationError{Op: op, TxHash: signed.Hash(), Err: ErrReverted}
	}

	return toLedgerReceipt(receipt, signed.Hash(), gasPrice), nil
}

// broadcastMayHaveLanded reports whether a failed broadcast could still have reached the network.
// A JSON-RPC error is an explicit rejection by the node. Timeouts and transport failures are not.
func broadcastMayHaveLanded(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}

func toLedgerReceipt(receipt *types.Receipt, txHash common.Hash, gasPrice *big.Int) *models.LedgerReceipt {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = gasPrice
	}
	gasUsed := new(big.Int).SetUint64(receipt.GasUsed)
	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	return &models.LedgerReceipt{
		TxHash:      txHash.Hex(),
		BlockNumber: blockNumber,
		GasUsed:     gasUsed.String(),
		GasPrice:    price.String(),
		TotalCost:   new(big.Int).Mul(gasUsed, price).String(),
	}
}

// call performs a read-only registry call, retrying transient failures.
func (c *Client) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	data, err := registry.Pack(method, args...)
	if err != nil {
		return err
	}
	msg := ethereum.CallMsg{From: *c.wallet.Address, To: &c.registry, Data: data}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.readRetryDelay), c.readRetries)
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		res, err := c.backend.CallContract(callCtx, msg, nil)
		if err != nil {
			return err
		}
		if err := registry.UnpackIntoInterface(out, method, res); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Verify asks the registry whether fingerprint is the live fingerprint for key.
func (c *Client) Verify(ctx context.Context, key, fingerprint string) (bool, error) {
	fp, err := util.ParseFingerprint(fingerprint)
	if err != nil {
		return false, err
	}
	var valid bool
	if err := c.call(ctx, methodVerify, &valid, key, [32]byte(fp)); err != nil {
		return false, err
	}
	return valid, nil
}

// VerifyWithFallback verifies against key, and if the registry says no, retries once against
// alternateKey. Historical records may be indexed under a different key form.
// usedAlternate reports whether the positive answer came from alternateKey.
func (c *Client) VerifyWithFallback(ctx context.Context, key, alternateKey, fingerprint string) (valid bool, usedAlternate bool, err error) {
	valid, err = c.Verify(ctx, key, fingerprint)
	if err != nil || valid || alternateKey == "" || alternateKey == key {
		return valid, false, err
	}
	valid, err = c.Verify(ctx, alternateKey, fingerprint)
	return valid, valid, err
}

type registryEntry struct {
	Fingerprint [32]byte
	Cid         string
	IssuedAt    *big.Int
	Revoked     bool
	Exists      bool
}

// GetRecord returns the registry's entry for key, or ErrRecordNotFound.
func (c *Client) GetRecord(ctx context.Context, key string) (*Record, error) {
	var entry registryEntry
	if err := c.call(ctx, methodGet, &entry, key); err != nil {
		return nil, err
	}
	if !entry.Exists {
		return nil, ErrRecordNotFound
	}
	var issuedAt time.Time
	if entry.IssuedAt != nil && entry.IssuedAt.Sign() > 0 {
		issuedAt = time.Unix(entry.IssuedAt.Int64(), 0)
	}
	return &Record{
		Fingerprint: common.Hash(entry.Fingerprint).Hex(),
		CID:         entry.Cid,
		IssuedAt:    issuedAt,
		IsRevoked:   entry.Revoked,
	}, nil
}

// NetworkStatus reports the current block height and fee estimate. It never fails;
// an unreachable network is reported with Reachable set to false and zeroed fields.
func (c *Client) NetworkStatus(ctx context.Context) NetworkStatus {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	height, err := c.backend.BlockNumber(ctx)
	if err == nil {
		var gasPrice *big.Int
		if gasPrice, err = c.backend.SuggestGasPrice(ctx); err == nil {
			return NetworkStatus{BlockHeight: height, GasPrice: gasPrice.String(), Reachable: true}
		}
	}
	c.logger.Debug("Network is unreachable", zap.Error(err))
	return NetworkStatus{GasPrice: "0"}
}

// IsNotFound reports whether err means the registry has no entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
