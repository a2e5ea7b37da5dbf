package chain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gridwatt/exchange/internal/models"
)

// ErrBlockNotFound is returned for a height beyond the chain tip.
var ErrBlockNotFound = errors.New("block not found")

// Chain is the append-only block sequence plus the mutable pending buffer.
// Blocks are immutable once appended. Not internally synchronized; the
// aggregate ledger serializes access.
type Chain struct {
	blocks       []models.Block
	pending      []models.Record
	miner        Miner
	miningReward int64
	now          func() time.Time
}

// New creates a chain with its genesis block already in place. The genesis
// block carries no records and is not mined.
func New(miner Miner, miningReward int64) *Chain {
	c := &Chain{
		miner:        miner,
		miningReward: miningReward,
		now:          time.Now,
	}
	genesis := models.Block{
		Height:    0,
		Timestamp: c.now().Unix(),
		PrevHash:  "0",
	}
	genesis.Hash = BlockHash(&genesis)
	c.blocks = append(c.blocks, genesis)
	return c
}

// MiningReward returns the fixed per-block miner reward.
func (c *Chain) MiningReward() int64 { return c.miningReward }

// AddRecord appends a finalized record to the pending buffer. The chain
// itself is not touched until Commit.
func (c *Chain) AddRecord(r models.Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = c.now().Unix()
	}
	c.pending = append(c.pending, r)
}

// Pending returns a copy of the uncommitted record buffer.
func (c *Chain) Pending() []models.Record {
	out := make([]models.Record, len(c.pending))
	copy(out, c.pending)
	return out
}

// Commit packages the pending records into a new block: the miner-reward
// record is appended, the candidate is chained to the tip, the proof-of-work
// search runs, and only then is the block appended and the buffer cleared.
// Nothing of a partial commit is ever visible.
func (c *Chain) Commit(miner string) models.Block {
	records := make([]models.Record, len(c.pending))
	copy(records, c.pending)
	if c.miningReward > 0 {
		records = append(records, models.Record{
			ID:        uuid.NewString(),
			Type:      models.RecordMiningReward,
			From:      "system",
			To:        miner,
			Amount:    c.miningReward,
			Timestamp: c.now().Unix(),
		})
	}

	tip := c.Tip()
	block := models.Block{
		Height:    uint64(len(c.blocks)),
		Timestamp: c.now().Unix(),
		Records:   records,
		PrevHash:  tip.Hash,
	}
	block.Nonce = c.miner.FindValidNonce(&block)
	block.Hash = BlockHash(&block)

	c.blocks = append(c.blocks, block)
	c.pending = c.pending[:0]
	return block
}

// Tip returns the most recent block.
func (c *Chain) Tip() models.Block {
	return c.blocks[len(c.blocks)-1]
}

// Height returns the height of the tip.
func (c *Chain) Height() uint64 {
	return uint64(len(c.blocks) - 1)
}

// Block returns the block at the given height.
func (c *Chain) Block(height uint64) (models.Block, error) {
	if height >= uint64(len(c.blocks)) {
		return models.Block{}, ErrBlockNotFound
	}
	return c.blocks[height], nil
}

// Blocks returns a copy of the whole chain, genesis first.
func (c *Chain) Blocks() []models.Block {
	out := make([]models.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// IsValid recomputes every block hash after genesis and checks the parent
// links. Any mismatch invalidates the whole chain.
func (c *Chain) IsValid() bool {
	for i := 1; i < len(c.blocks); i++ {
		current := c.blocks[i]
		previous := c.blocks[i-1]
		if current.Hash != BlockHash(&current) {
			return false
		}
		if current.PrevHash != previous.Hash {
			return false
		}
	}
	return true
}

// RecordsFor returns every committed record involving an address.
func (c *Chain) RecordsFor(addr string) []models.Record {
	var out []models.Record
	for _, b := range c.blocks {
		for _, r := range b.Records {
			if r.From == addr || r.To == addr {
				out = append(out, r)
			}
		}
	}
	return out
}

// EnergyBalanceOf derives an address's net committed energy position from
// the trade records on chain.
func (c *Chain) EnergyBalanceOf(addr string) int64 {
	var balance int64
	for _, b := range c.blocks {
		for _, r := range b.Records {
			if r.Type != models.RecordEnergyTrade {
				continue
			}
			if r.From == addr {
				balance -= r.EnergyAmount
			}
			if r.To == addr {
				balance += r.EnergyAmount
			}
		}
	}
	return balance
}
