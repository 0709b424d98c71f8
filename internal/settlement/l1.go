package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// Backend is the L1 RPC surface used by L1Client. *ethclient.Client
// implements it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// L1Config configures an L1Client.
type L1Config struct {
	ChainID       *big.Int
	RollupManager common.Address
	// RollupIDs maps each network to its rollup id on the manager contract.
	RollupIDs map[types.NetworkID]uint32
	// FromBlock is where event scans start, usually the manager deployment block.
	FromBlock      uint64
	GasLimit       uint64
	Confirmations  uint64
	WaitTimeout    time.Duration
	PollInterval   time.Duration
	FeeBumpPercent uint64
}

// L1Client settles certificates on the rollup manager contract.
type L1Client struct {
	backend Backend
	cfg     L1Config
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  ethtypes.Signer
	manager *rollupManager
	packer  *EpochPacker
	logger  zerolog.Logger
}

// NewL1Client creates a client that signs with key and packs confirmed
// certificates with packer.
func NewL1Client(backend Backend, cfg L1Config, key *ecdsa.PrivateKey, packer *EpochPacker) (*L1Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("l1 backend is nil")
	}
	if key == nil {
		return nil, fmt.Errorf("settlement signer key is nil")
	}
	if packer == nil {
		return nil, fmt.Errorf("epoch packer is nil")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid l1 chain id")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.FeeBumpPercent == 0 {
		cfg.FeeBumpPercent = 10
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 1_000_000
	}

	manager, err := newRollupManager(cfg.RollupManager)
	if err != nil {
		return nil, err
	}
	return &L1Client{
		backend: backend,
		cfg:     cfg,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  ethtypes.LatestSignerForChainID(cfg.ChainID),
		manager: manager,
		packer:  packer,
		logger:  log.Settlement,
	}, nil
}

// From returns the address settlement transactions are sent from.
func (c *L1Client) From() common.Address {
	return c.from
}

func (c *L1Client) rollupID(network types.NetworkID) (uint32, error) {
	id, ok := c.cfg.RollupIDs[network]
	if !ok {
		return 0, fmt.Errorf("network %d has no rollup id", network)
	}
	return id, nil
}

// SubmitCertificateSettlement implements Client.
func (c *L1Client) SubmitCertificateSettlement(ctx context.Context, s *Submission) (types.SettlementTxHash, error) {
	rollupID, err := c.rollupID(s.NetworkID)
	if err != nil {
		return types.SettlementTxHash{}, err
	}
	data, err := c.manager.packVerify(rollupID, s)
	if err != nil {
		return types.SettlementTxHash{}, err
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return types.SettlementTxHash{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return types.SettlementTxHash{}, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	var nonce uint64
	if s.Nonce != nil {
		nonce = s.Nonce.Nonce
		tip = maxBig(tip, bump(s.Nonce.GasTipCap, c.cfg.FeeBumpPercent))
	} else {
		nonce, err = c.backend.PendingNonceAt(ctx, c.from)
		if err != nil {
			return types.SettlementTxHash{}, fmt.Errorf("pending nonce: %w", err)
		}
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	if s.Nonce != nil {
		feeCap = maxBig(feeCap, bump(s.Nonce.GasFeeCap, c.cfg.FeeBumpPercent))
	}

	to := c.cfg.RollupManager
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.cfg.GasLimit,
		To:        &to,
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return types.SettlementTxHash{}, fmt.Errorf("sign settlement tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return types.SettlementTxHash{}, fmt.Errorf("send settlement tx: %w", err)
	}

	hash := types.SettlementTxHash(signed.Hash())
	c.logger.Info().
		Uint32("network_id", uint32(s.NetworkID)).
		Uint64("height", uint64(s.Height)).
		Str("certificate_id", s.CertificateID.Short()).
		Str("tx", hash.String()).
		Uint64("nonce", nonce).
		Bool("replacement", s.Nonce != nil).
		Msg("Settlement tx sent")
	return hash, nil
}

// FetchSettlementNonce implements Client.
func (c *L1Client) FetchSettlementNonce(ctx context.Context, hash types.SettlementTxHash) (*NonceInfo, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, common.Hash(hash))
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}
	return &NonceInfo{
		Nonce:     tx.Nonce(),
		GasTipCap: tx.GasTipCap(),
		GasFeeCap: tx.GasFeeCap(),
	}, nil
}

// FetchSettlementReceiptStatus implements Client.
func (c *L1Client) FetchSettlementReceiptStatus(ctx context.Context, hash types.SettlementTxHash) (TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.Hash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return TxNotFound, nil
	}
	if err != nil {
		return TxNotFound, fmt.Errorf("receipt %s: %w", hash, err)
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return TxSuccessful, nil
	}
	return TxReverted, nil
}

// WaitForSettlement implements Client. It polls for the receipt until it has
// the configured number of confirmations.
func (c *L1Client) WaitForSettlement(ctx context.Context, hash types.SettlementTxHash, id types.CertificateID) (types.EpochNumber, types.CertificateIndex, error) {
	start := time.Now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		confirmed, err := c.confirmed(ctx, hash)
		if err != nil {
			return 0, 0, err
		}
		if confirmed {
			epoch, index, err := c.packer.Pack(id)
			if err != nil {
				return 0, 0, fmt.Errorf("pack certificate %s: %w", id.Short(), err)
			}
			return epoch, index, nil
		}
		if elapsed := time.Since(start); elapsed >= c.cfg.WaitTimeout {
			return 0, 0, &TimeoutError{TxHash: hash, Elapsed: elapsed}
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// confirmed reports whether hash is mined with enough confirmations. A
// reverted receipt is ErrReverted. Transient RPC failures count as not yet.
func (c *L1Client) confirmed(ctx context.Context, hash types.SettlementTxHash) (bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.Hash(hash))
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug().Err(err).Str("tx", hash.String()).Msg("Receipt query failed")
		}
		return false, nil
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%w: tx %s in block %s", ErrReverted, hash, receipt.BlockNumber)
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Block number query failed")
		return false, nil
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= c.cfg.Confirmations, nil
}

// FetchLastSettledPPRoot implements Client from the latest
// VerifyPessimisticStateTransition event of the network's rollup.
func (c *L1Client) FetchLastSettledPPRoot(ctx context.Context, network types.NetworkID) (types.Hash, types.SettlementTxHash, bool, error) {
	rollupID, err := c.rollupID(network)
	if err != nil {
		return types.Hash{}, types.SettlementTxHash{}, false, err
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.cfg.FromBlock),
		Addresses: []common.Address{c.cfg.RollupManager},
		Topics:    c.manager.verifyTopics(rollupID),
	})
	if err != nil {
		return types.Hash{}, types.SettlementTxHash{}, false, fmt.Errorf("filter settlement logs: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Removed {
			continue
		}
		v, err := c.manager.parseVerified(logs[i])
		if err != nil {
			return types.Hash{}, types.SettlementTxHash{}, false, err
		}
		return v.NewPessimisticRoot, v.TxHash, true, nil
	}
	return types.Hash{}, types.SettlementTxHash{}, false, nil
}

// bump raises v by pct percent, and by at least one wei.
func bump(v *big.Int, pct uint64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(100+pct))
	out.Div(out, big.NewInt(100))
	if out.Cmp(v) <= 0 {
		out.Add(v, big.NewInt(1))
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
