package clock

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-settler/internal/log"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// HeaderSource returns L1 block headers. *ethclient.Client satisfies it.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// BlockClock derives epochs from L1 block numbers: epoch n covers blocks
// [genesis + n*blocksPerEpoch, genesis + (n+1)*blocksPerEpoch).
type BlockClock struct {
	epochs
	src            HeaderSource
	genesisBlock   uint64
	blocksPerEpoch uint64
	pollInterval   time.Duration

	mu     sync.Mutex
	synced bool
}

// NewBlockClock creates a clock that polls src for the latest block.
func NewBlockClock(src HeaderSource, genesisBlock, blocksPerEpoch uint64, pollInterval time.Duration) (*BlockClock, error) {
	if src == nil {
		return nil, fmt.Errorf("header source is nil")
	}
	if blocksPerEpoch == 0 {
		return nil, fmt.Errorf("blocks per epoch must be positive")
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}
	c := &BlockClock{
		src:            src,
		genesisBlock:   genesisBlock,
		blocksPerEpoch: blocksPerEpoch,
		pollInterval:   pollInterval,
	}
	c.init(0)
	return c, nil
}

// EpochAt returns the epoch containing an L1 block.
func (c *BlockClock) EpochAt(block uint64) types.EpochNumber {
	if block < c.genesisBlock {
		return 0
	}
	return types.EpochNumber((block - c.genesisBlock) / c.blocksPerEpoch)
}

// Configuration implements Service.
func (c *BlockClock) Configuration() Configuration {
	return Configuration{
		Mode:           "block",
		GenesisBlock:   c.genesisBlock,
		BlocksPerEpoch: c.blocksPerEpoch,
	}
}

// Sync reads the latest L1 header and moves the epoch forward. The first
// successful sync only initializes the epoch.
func (c *BlockClock) Sync(ctx context.Context) error {
	hdr, err := c.src.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	if hdr == nil || hdr.Number == nil {
		return fmt.Errorf("latest header has no number")
	}
	epoch := c.EpochAt(hdr.Number.Uint64())

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		c.synced = true
		c.reset(epoch)
		log.Clock.Info().
			Uint64("block", hdr.Number.Uint64()).
			Uint64("epoch", uint64(epoch)).
			Msg("Block clock synced")
		return nil
	}
	c.advance(epoch)
	return nil
}

// Run polls L1 until ctx is cancelled, then closes the stream.
func (c *BlockClock) Run(ctx context.Context) error {
	defer c.bcast.Close()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			log.Clock.Warn().Err(err).Msg("L1 header poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
