package models

import "time"

// Fixed-point units used throughout the system: energy is counted in
// centi-kWh (1/100 kWh), prices in 1/10000 WATT per kWh, and token amounts
// in the smallest WATT/GRID unit. No floating point touches settlement or
// hashing, so replay is deterministic.

// User represents a registered trader. Username doubles as the on-ledger
// account address.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order represents a buy or sell order for energy.
type Order struct {
	ID           string    `json:"id"`
	Trader       string    `json:"trader"`
	Side         Side      `json:"side"`
	EnergyAmount int64     `json:"energy_amount"` // centi-kWh
	Price        int64     `json:"price"`         // 1/10000 WATT per kWh
	Filled       int64     `json:"filled"`        // centi-kWh already executed
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"` // used for time priority
}

// Remaining returns the unfilled part of the order.
func (o *Order) Remaining() int64 {
	return o.EnergyAmount - o.Filled
}

// Trade represents an executed trade. Immutable once created.
type Trade struct {
	ID           string    `json:"id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	EnergyAmount int64     `json:"energy_amount"`
	Price        int64     `json:"price"`
	BaseCost     int64     `json:"base_cost"`
	GridFee      int64     `json:"grid_fee"`
	TotalCost    int64     `json:"total_cost"`
	BuyOrderID   string    `json:"buy_order_id"`
	SellOrderID  string    `json:"sell_order_id"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// RecordType classifies a committed ledger record.
type RecordType string

const (
	RecordEnergyTrade   RecordType = "energy_trade"
	RecordGridFee       RecordType = "grid_fee"
	RecordMiningReward  RecordType = "mining_reward"
	RecordStake         RecordType = "stake"
	RecordUnstake       RecordType = "unstake"
	RecordStakingReward RecordType = "staking_reward"
)

// Record is a single entry in a block: a trade, a fee burn, or a
// reward/stake event.
type Record struct {
	ID           string     `json:"id"`
	Type         RecordType `json:"type"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	EnergyAmount int64      `json:"energy_amount"`
	Amount       int64      `json:"amount"`
	Timestamp    int64      `json:"timestamp"` // unix seconds
}

// Block is one element of the hash chain. Immutable once appended.
type Block struct {
	Height    uint64   `json:"height"`
	Timestamp int64    `json:"timestamp"` // unix seconds
	Records   []Record `json:"records"`
	PrevHash  string   `json:"prev_hash"`
	Hash      string   `json:"hash"`
	Nonce     uint64   `json:"nonce"`
}

// Balance is the token-ledger state for one account. Grid is the spendable
// governance balance; StakedGrid is held separately and excluded from it.
type Balance struct {
	Address      string `json:"address"`
	Watt         int64  `json:"watt"`
	Grid         int64  `json:"grid"`
	StakedGrid   int64  `json:"staked_grid"`
	StakeStart   uint64 `json:"stake_start"`   // height of first stake
	RewardHeight uint64 `json:"reward_height"` // last reward checkpoint
	Unclaimed    int64  `json:"unclaimed"`     // accrued, not yet minted
}

// ProposalStatus is the lifecycle state of a governance proposal.
type ProposalStatus string

const (
	ProposalActive ProposalStatus = "active"
	ProposalPassed ProposalStatus = "passed"
	ProposalFailed ProposalStatus = "failed"
)

// Proposal is a stake-weighted governance proposal.
type Proposal struct {
	ID           uint64         `json:"id"`
	Proposer     string         `json:"proposer"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Deadline     uint64         `json:"deadline"` // voting deadline height
	VotesFor     int64          `json:"votes_for"`
	VotesAgainst int64          `json:"votes_against"`
	Status       ProposalStatus `json:"status"`
}

// Prosumer tracks metered generation and consumption for one account.
type Prosumer struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	EnergyGenerated int64  `json:"energy_generated"` // centi-kWh
	EnergyConsumed  int64  `json:"energy_consumed"`  // centi-kWh
}

// NetEnergy returns generated minus consumed, which may be negative.
func (p *Prosumer) NetEnergy() int64 {
	return p.EnergyGenerated - p.EnergyConsumed
}

// SellableEnergy returns the positive part of the net energy.
func (p *Prosumer) SellableEnergy() int64 {
	if net := p.NetEnergy(); net > 0 {
		return net
	}
	return 0
}
