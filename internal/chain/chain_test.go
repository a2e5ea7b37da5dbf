package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatt/exchange/internal/models"
)

// Difficulty 1 keeps the proof-of-work search fast in tests.
func newTestChain() *Chain {
	return New(ProofOfWork{Difficulty: 1}, 10)
}

func TestChain_Genesis(t *testing.T) {
	c := newTestChain()

	assert.Equal(t, uint64(0), c.Height())
	genesis := c.Tip()
	assert.Equal(t, uint64(0), genesis.Height)
	assert.Equal(t, "0", genesis.PrevHash)
	assert.Empty(t, genesis.Records)
	assert.Equal(t, BlockHash(&genesis), genesis.Hash)
	assert.True(t, c.IsValid())
}

func TestChain_CommitAppendsRewardAndClearsPending(t *testing.T) {
	c := newTestChain()

	c.AddRecord(models.Record{
		Type:         models.RecordEnergyTrade,
		From:         "solar_farm",
		To:           "household",
		EnergyAmount: 1000,
		Amount:       150,
	})
	require.Len(t, c.Pending(), 1)
	assert.NotEmpty(t, c.Pending()[0].ID, "records get an id on admission")
	assert.NotZero(t, c.Pending()[0].Timestamp)

	block := c.Commit("validator_1")

	assert.Equal(t, uint64(1), block.Height)
	assert.Equal(t, uint64(1), c.Height())
	assert.Empty(t, c.Pending())

	require.Len(t, block.Records, 2)
	reward := block.Records[1]
	assert.Equal(t, models.RecordMiningReward, reward.Type)
	assert.Equal(t, "system", reward.From)
	assert.Equal(t, "validator_1", reward.To)
	assert.Equal(t, int64(10), reward.Amount)

	assert.True(t, strings.HasPrefix(block.Hash, "0"))
	assert.Equal(t, c.blocks[0].Hash, block.PrevHash)
	assert.True(t, c.IsValid())
}

func TestChain_NoRewardRecordWhenRewardZero(t *testing.T) {
	c := New(ProofOfWork{Difficulty: 1}, 0)
	block := c.Commit("validator_1")
	assert.Empty(t, block.Records)
}

func TestChain_ParentLinks(t *testing.T) {
	c := newTestChain()
	for i := 0; i < 3; i++ {
		c.Commit("validator_1")
	}

	blocks := c.Blocks()
	require.Len(t, blocks, 4)
	for i := 1; i < len(blocks); i++ {
		assert.Equal(t, blocks[i-1].Hash, blocks[i].PrevHash)
		assert.Equal(t, uint64(i), blocks[i].Height)
	}
	assert.True(t, c.IsValid())
}

func TestChain_TamperDetected(t *testing.T) {
	c := newTestChain()
	c.AddRecord(models.Record{Type: models.RecordEnergyTrade, From: "a", To: "b", Amount: 5})
	c.Commit("validator_1")
	c.Commit("validator_1")
	require.True(t, c.IsValid())

	// Rewriting a buried record breaks that block's hash.
	c.blocks[1].Records[0].Amount = 500
	assert.False(t, c.IsValid())

	// Recomputing the hash does not help: the child's parent link breaks.
	c.blocks[1].Hash = BlockHash(&c.blocks[1])
	assert.False(t, c.IsValid())
}

func TestChain_BlockLookup(t *testing.T) {
	c := newTestChain()
	c.Commit("validator_1")

	b, err := c.Block(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Height)

	_, err = c.Block(2)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestChain_RecordsFor(t *testing.T) {
	c := newTestChain()
	c.AddRecord(models.Record{Type: models.RecordEnergyTrade, From: "a", To: "b", EnergyAmount: 100})
	c.AddRecord(models.Record{Type: models.RecordGridFee, From: "b", To: "system", Amount: 7})
	c.Commit("validator_1")

	assert.Len(t, c.RecordsFor("a"), 1)
	assert.Len(t, c.RecordsFor("b"), 2)
	assert.Len(t, c.RecordsFor("validator_1"), 1)
	assert.Empty(t, c.RecordsFor("nobody"))
}

func TestChain_EnergyBalance(t *testing.T) {
	c := newTestChain()
	c.AddRecord(models.Record{Type: models.RecordEnergyTrade, From: "a", To: "b", EnergyAmount: 1000})
	c.AddRecord(models.Record{Type: models.RecordEnergyTrade, From: "b", To: "c", EnergyAmount: 300})
	// Fee records never move energy.
	c.AddRecord(models.Record{Type: models.RecordGridFee, From: "b", To: "system", EnergyAmount: 999, Amount: 7})
	c.Commit("validator_1")

	assert.Equal(t, int64(-1000), c.EnergyBalanceOf("a"))
	assert.Equal(t, int64(700), c.EnergyBalanceOf("b"))
	assert.Equal(t, int64(300), c.EnergyBalanceOf("c"))
}

func TestProofOfWork_MeetsDifficulty(t *testing.T) {
	b := models.Block{Height: 1, Timestamp: 1700000000, PrevHash: "abc"}
	ProofOfWork{Difficulty: 2}.FindValidNonce(&b)
	assert.True(t, strings.HasPrefix(b.Hash, "00"))
	assert.Equal(t, BlockHash(&b), b.Hash)
}
