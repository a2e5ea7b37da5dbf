// Package token implements the two-asset token ledger: WATT settlement
// balances, GRID governance balances, staking positions, and stake-weighted
// governance proposals.
package token

import (
	"errors"

	"github.com/gridwatt/exchange/internal/models"
)

// Asset identifies one of the two token classes.
type Asset string

const (
	// AssetGrid is the stakeable governance/utility token.
	AssetGrid Asset = "GRID"
	// AssetWatt is the fiat-pegged settlement token.
	AssetWatt Asset = "WATT"
)

var (
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrInvalidAsset            = errors.New("unknown asset")
	ErrMinimumStakeNotMet      = errors.New("minimum stake amount not met")
	ErrNotStaking              = errors.New("not staking")
	ErrNoRewardsToClaim        = errors.New("no rewards to claim")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrProposalNotActive       = errors.New("proposal not active")
	ErrAlreadyVoted            = errors.New("already voted")
	ErrCannotVoteOnOwnProposal = errors.New("cannot vote on own proposal")
	ErrVotingPeriodEnded       = errors.New("voting period ended")
	ErrVotingNotEnded          = errors.New("voting period not ended")
)

// Config holds the staking and governance parameters. Rates are expressed in
// basis points (10000 = 100%).
type Config struct {
	MinStakeAmount    int64
	StakingRewardRate int64 // annual, basis points
	BlocksPerYear     uint64
	VotingPeriod      uint64 // default proposal voting period in blocks
}

// DefaultConfig returns the genesis defaults.
func DefaultConfig() Config {
	return Config{
		MinStakeAmount:    1000,
		StakingRewardRate: 800, // 8% annual
		BlocksPerYear:     6000,
		VotingPeriod:      100,
	}
}

type voteKey struct {
	proposal uint64
	voter    string
}

// Ledger owns all token state. It is not internally synchronized; callers
// serialize access through the aggregate ledger.
type Ledger struct {
	cfg      Config
	balances map[string]*models.Balance
	supply   map[Asset]int64

	proposals      map[uint64]*models.Proposal
	votes          map[voteKey]bool
	nextProposalID uint64

	totalStaked int64
	height      uint64
}

// NewLedger creates an empty token ledger.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		cfg:            cfg,
		balances:       make(map[string]*models.Balance),
		supply:         map[Asset]int64{AssetGrid: 0, AssetWatt: 0},
		proposals:      make(map[uint64]*models.Proposal),
		votes:          make(map[voteKey]bool),
		nextProposalID: 1,
	}
}

// Height returns the ledger's view of the current block height.
func (l *Ledger) Height() uint64 { return l.height }

// SetHeight advances the height used for reward accrual and voting
// deadlines. Driven by the block-ledger commit path.
func (l *Ledger) SetHeight(h uint64) { l.height = h }

// CreateAccount registers a new, empty account.
func (l *Ledger) CreateAccount(addr string) error {
	if _, ok := l.balances[addr]; ok {
		return ErrAccountExists
	}
	l.balances[addr] = &models.Balance{Address: addr, RewardHeight: l.height}
	return nil
}

func (l *Ledger) account(addr string) *models.Balance {
	b, ok := l.balances[addr]
	if !ok {
		b = &models.Balance{Address: addr, RewardHeight: l.height}
		l.balances[addr] = b
	}
	return b
}

// Balance returns a copy of the account's balance record. Unknown accounts
// read as zero.
func (l *Ledger) Balance(addr string) models.Balance {
	if b, ok := l.balances[addr]; ok {
		return *b
	}
	return models.Balance{Address: addr, RewardHeight: l.height}
}

// Balances returns a snapshot of every account balance.
func (l *Ledger) Balances() []models.Balance {
	out := make([]models.Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	return out
}

// TotalSupply returns the running supply of an asset. Staked GRID remains
// part of the GRID supply.
func (l *Ledger) TotalSupply(asset Asset) int64 { return l.supply[asset] }

// TotalStaked returns the sum of all staked GRID.
func (l *Ledger) TotalStaked() int64 { return l.totalStaked }

// Mint credits an account and grows the asset supply.
func (l *Ledger) Mint(addr string, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.account(addr)
	switch asset {
	case AssetGrid:
		b.Grid += amount
	case AssetWatt:
		b.Watt += amount
	default:
		return ErrInvalidAsset
	}
	l.supply[asset] += amount
	return nil
}

// Burn debits an account and shrinks the asset supply.
func (l *Ledger) Burn(addr string, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.account(addr)
	switch asset {
	case AssetGrid:
		if b.Grid < amount {
			return ErrInsufficientBalance
		}
		b.Grid -= amount
	case AssetWatt:
		if b.Watt < amount {
			return ErrInsufficientBalance
		}
		b.Watt -= amount
	default:
		return ErrInvalidAsset
	}
	l.supply[asset] -= amount
	return nil
}

// Transfer moves amount between accounts as one indivisible step. On any
// failure neither balance changes.
func (l *Ledger) Transfer(from, to string, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if asset != AssetGrid && asset != AssetWatt {
		return ErrInvalidAsset
	}
	src := l.account(from)
	dst := l.account(to)
	switch asset {
	case AssetGrid:
		if src.Grid < amount {
			return ErrInsufficientBalance
		}
		src.Grid -= amount
		dst.Grid += amount
	case AssetWatt:
		if src.Watt < amount {
			return ErrInsufficientBalance
		}
		src.Watt -= amount
		dst.Watt += amount
	}
	return nil
}

// SettleTrade applies a matched trade in one atomic step: the buyer pays
// baseCost to the seller and the grid fee is burned from the buyer. The
// buyer must cover baseCost+fee up front so the settlement can never be
// half-applied.
func (l *Ledger) SettleTrade(buyer, seller string, baseCost, fee int64) error {
	if baseCost <= 0 || fee < 0 {
		return ErrInvalidAmount
	}
	b := l.account(buyer)
	s := l.account(seller)
	if b.Watt < baseCost+fee {
		return ErrInsufficientBalance
	}
	b.Watt -= baseCost + fee
	s.Watt += baseCost
	l.supply[AssetWatt] -= fee
	return nil
}

// pendingReward computes the reward accrued since the account's checkpoint,
// excluding any previously banked unclaimed amount.
func (l *Ledger) pendingReward(b *models.Balance) int64 {
	if b.StakedGrid == 0 || l.height <= b.RewardHeight {
		return 0
	}
	elapsed := int64(l.height - b.RewardHeight)
	return b.StakedGrid * l.cfg.StakingRewardRate * elapsed / (int64(l.cfg.BlocksPerYear) * 10000)
}

// accrue banks the pending reward into Unclaimed and resets the checkpoint.
// Must run before any change to the staked amount so past accrual keeps its
// original stake weight.
func (l *Ledger) accrue(b *models.Balance) {
	b.Unclaimed += l.pendingReward(b)
	b.RewardHeight = l.height
}

// Stake moves amount from the spendable GRID balance into the staking
// position.
func (l *Ledger) Stake(addr string, amount int64) error {
	if amount < l.cfg.MinStakeAmount {
		return ErrMinimumStakeNotMet
	}
	b := l.account(addr)
	if b.Grid < amount {
		return ErrInsufficientBalance
	}
	l.accrue(b)
	if b.StakedGrid == 0 {
		b.StakeStart = l.height
	}
	b.Grid -= amount
	b.StakedGrid += amount
	l.totalStaked += amount
	return nil
}

// Unstake moves amount from the staking position back to the spendable
// balance.
func (l *Ledger) Unstake(addr string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b := l.account(addr)
	if b.StakedGrid == 0 {
		return ErrNotStaking
	}
	if b.StakedGrid < amount {
		return ErrInsufficientBalance
	}
	l.accrue(b)
	b.StakedGrid -= amount
	b.Grid += amount
	l.totalStaked -= amount
	return nil
}

// PendingRewards returns what ClaimRewards would currently pay out.
func (l *Ledger) PendingRewards(addr string) int64 {
	b, ok := l.balances[addr]
	if !ok {
		return 0
	}
	return b.Unclaimed + l.pendingReward(b)
}

// ClaimRewards mints all accrued staking rewards to the spendable GRID
// balance and resets the checkpoint. Fails when nothing has accrued.
func (l *Ledger) ClaimRewards(addr string) (int64, error) {
	b := l.account(addr)
	total := b.Unclaimed + l.pendingReward(b)
	if total == 0 {
		return 0, ErrNoRewardsToClaim
	}
	b.Unclaimed = 0
	b.RewardHeight = l.height
	b.Grid += total
	l.supply[AssetGrid] += total
	return total, nil
}

// CreateProposal opens a new governance proposal. The proposer must have an
// active stake. A zero votingPeriod falls back to the configured default.
func (l *Ledger) CreateProposal(proposer, title, description string, votingPeriod uint64) (uint64, error) {
	b := l.account(proposer)
	if b.StakedGrid == 0 {
		return 0, ErrNotStaking
	}
	if votingPeriod == 0 {
		votingPeriod = l.cfg.VotingPeriod
	}
	id := l.nextProposalID
	l.nextProposalID++
	l.proposals[id] = &models.Proposal{
		ID:          id,
		Proposer:    proposer,
		Title:       title,
		Description: description,
		Deadline:    l.height + votingPeriod,
		Status:      models.ProposalActive,
	}
	return id, nil
}

// Vote adds the voter's current staked amount to the for or against tally.
// Vote weight is fixed at voting time and never re-evaluated.
func (l *Ledger) Vote(voter string, proposalID uint64, support bool) error {
	p, ok := l.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != models.ProposalActive {
		return ErrProposalNotActive
	}
	if l.height > p.Deadline {
		return ErrVotingPeriodEnded
	}
	if l.votes[voteKey{proposalID, voter}] {
		return ErrAlreadyVoted
	}
	if p.Proposer == voter {
		return ErrCannotVoteOnOwnProposal
	}
	b := l.account(voter)
	if b.StakedGrid == 0 {
		return ErrNotStaking
	}
	l.votes[voteKey{proposalID, voter}] = true
	if support {
		p.VotesFor += b.StakedGrid
	} else {
		p.VotesAgainst += b.StakedGrid
	}
	return nil
}

// FinalizeProposal settles an expired proposal. Terminal: a finalized
// proposal cannot be finalized again.
func (l *Ledger) FinalizeProposal(proposalID uint64) error {
	p, ok := l.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != models.ProposalActive {
		return ErrProposalNotActive
	}
	if l.height <= p.Deadline {
		return ErrVotingNotEnded
	}
	if p.VotesFor > p.VotesAgainst {
		p.Status = models.ProposalPassed
	} else {
		p.Status = models.ProposalFailed
	}
	return nil
}

// Proposal returns a copy of one proposal.
func (l *Ledger) Proposal(id uint64) (models.Proposal, error) {
	p, ok := l.proposals[id]
	if !ok {
		return models.Proposal{}, ErrProposalNotFound
	}
	return *p, nil
}

// Proposals returns a snapshot of every proposal.
func (l *Ledger) Proposals() []models.Proposal {
	out := make([]models.Proposal, 0, len(l.proposals))
	for _, p := range l.proposals {
		out = append(out, *p)
	}
	return out
}
