// Package ledger assembles the token ledger, the energy market, and the
// block chain into one aggregate behind a single mutex, so order placement,
// matching, settlement, and block commit are observed as serializable
// operations.
package ledger

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gridwatt/exchange/internal/chain"
	"github.com/gridwatt/exchange/internal/config"
	"github.com/gridwatt/exchange/internal/market"
	"github.com/gridwatt/exchange/internal/models"
	"github.com/gridwatt/exchange/internal/token"
)

var (
	// ErrUnknownMiner is returned when a commit names an account outside the
	// genesis validator set.
	ErrUnknownMiner = errors.New("miner not in validator set")
	// ErrChainInvalid reports a failed chain validation.
	ErrChainInvalid = errors.New("chain validation failed")
)

// Ledger is the single-writer aggregate. Every mutating operation takes the
// one lock, per the coarse-grained exclusion model.
type Ledger struct {
	mu sync.Mutex

	tokens     *token.Ledger
	market     *market.Market
	chain      *chain.Chain
	validators map[string]bool

	log *logrus.Logger
}

// New builds the aggregate from genesis configuration: initial balances are
// minted, prosumers registered, and the validator set fixed.
func New(gen config.Genesis, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.New()
	}

	tokens := token.NewLedger(token.Config{
		MinStakeAmount:    gen.MinStakeAmount,
		StakingRewardRate: gen.StakingRewardRate,
		BlocksPerYear:     gen.BlocksPerYear,
		VotingPeriod:      gen.VotingPeriod,
	})
	mkt := market.New(market.Config{
		GridFeeRate:  gen.GridFeeRate,
		MinOrderSize: gen.MinOrderSize,
		MaxOrderSize: gen.MaxOrderSize,
		MinPrice:     gen.MinPrice,
		MaxPrice:     gen.MaxPrice,
		MarketOpen:   gen.MarketOpen,
	}, tokens)
	chn := chain.New(chain.ProofOfWork{Difficulty: gen.Difficulty}, gen.MiningReward)

	l := &Ledger{
		tokens:     tokens,
		market:     mkt,
		chain:      chn,
		validators: make(map[string]bool, len(gen.Validators)),
		log:        log,
	}
	for _, v := range gen.Validators {
		l.validators[v] = true
	}
	for _, acct := range gen.Accounts {
		if err := l.Register(acct.Address, acct.Name); err != nil {
			log.WithField("address", acct.Address).WithError(err).Warn("genesis account skipped")
			continue
		}
		if acct.Watt > 0 {
			_ = tokens.Mint(acct.Address, token.AssetWatt, acct.Watt)
		}
		if acct.Grid > 0 {
			_ = tokens.Mint(acct.Address, token.AssetGrid, acct.Grid)
		}
	}
	return l
}

// Register creates a token account and a prosumer meter for a new trader.
func (l *Ledger) Register(addr, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tokens.CreateAccount(addr); err != nil {
		return err
	}
	return l.market.RegisterProsumer(addr, name)
}

// PlaceOrder validates, books, and matches an order, then stages trade and
// fee records for the next block. The order id is returned even when the
// matching pass stops with an error.
func (l *Ledger) PlaceOrder(trader string, side models.Side, amount, price int64) (string, []models.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	orderID, trades, err := l.market.PlaceOrder(trader, side, amount, price)
	for _, t := range trades {
		l.chain.AddRecord(models.Record{
			ID:           t.ID,
			Type:         models.RecordEnergyTrade,
			From:         t.Seller,
			To:           t.Buyer,
			EnergyAmount: t.EnergyAmount,
			Amount:       t.BaseCost,
			Timestamp:    t.ExecutedAt.Unix(),
		})
		if t.GridFee > 0 {
			l.chain.AddRecord(models.Record{
				Type:      models.RecordGridFee,
				From:      t.Buyer,
				To:        "system",
				Amount:    t.GridFee,
				Timestamp: t.ExecutedAt.Unix(),
			})
		}
		l.log.WithFields(logrus.Fields{
			"trade_id": t.ID,
			"buyer":    t.Buyer,
			"seller":   t.Seller,
			"amount":   t.EnergyAmount,
			"price":    t.Price,
		}).Info("trade executed")
	}
	return orderID, trades, err
}

// CancelOrder removes a resting order.
func (l *Ledger) CancelOrder(orderID, trader string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.CancelOrder(orderID, trader)
}

// OrderBook returns a snapshot of both sides in priority order.
func (l *Ledger) OrderBook() ([]models.Order, []models.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.OrderBook()
}

// MarketPrice returns the best ask.
func (l *Ledger) MarketPrice() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.MarketPrice()
}

// Order returns one order by id.
func (l *Ledger) Order(id string) (models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.Order(id)
}

// OrdersFor returns a trader's full order history.
func (l *Ledger) OrdersFor(trader string) []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.OrdersFor(trader)
}

// Trades returns the full trade history.
func (l *Ledger) Trades() []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.Trades()
}

// TradesFor returns the trade history involving one account.
func (l *Ledger) TradesFor(addr string) []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.TradesFor(addr)
}

// MarketStats returns the running market totals.
func (l *Ledger) MarketStats() market.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.Stats()
}

// OpenMarket resumes order acceptance.
func (l *Ledger) OpenMarket() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.market.OpenMarket()
}

// CloseMarket halts order acceptance.
func (l *Ledger) CloseMarket() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.market.CloseMarket()
}

// RecordGeneration ingests metered generation for a prosumer.
func (l *Ledger) RecordGeneration(addr string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.RecordGeneration(addr, amount)
}

// RecordConsumption ingests metered consumption for a prosumer.
func (l *Ledger) RecordConsumption(addr string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.RecordConsumption(addr, amount)
}

// Prosumer returns one prosumer's meter state.
func (l *Ledger) Prosumer(addr string) (models.Prosumer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.market.Prosumer(addr)
}

// Balance returns one account's token balances.
func (l *Ledger) Balance(addr string) models.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Balance(addr)
}

// Balances returns every account balance.
func (l *Ledger) Balances() []models.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Balances()
}

// TotalSupply returns the running supply of an asset.
func (l *Ledger) TotalSupply(asset token.Asset) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.TotalSupply(asset)
}

// Transfer moves tokens between accounts.
func (l *Ledger) Transfer(from, to string, asset token.Asset, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Transfer(from, to, asset, amount)
}

// Mint credits an account and grows the asset supply.
func (l *Ledger) Mint(addr string, asset token.Asset, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Mint(addr, asset, amount)
}

// Burn debits an account and shrinks the asset supply.
func (l *Ledger) Burn(addr string, asset token.Asset, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Burn(addr, asset, amount)
}

// Stake locks GRID into the staking position and stages a stake record.
func (l *Ledger) Stake(addr string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tokens.Stake(addr, amount); err != nil {
		return err
	}
	l.chain.AddRecord(models.Record{
		Type:   models.RecordStake,
		From:   addr,
		To:     "staking_pool",
		Amount: amount,
	})
	return nil
}

// Unstake releases staked GRID and stages an unstake record.
func (l *Ledger) Unstake(addr string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tokens.Unstake(addr, amount); err != nil {
		return err
	}
	l.chain.AddRecord(models.Record{
		Type:   models.RecordUnstake,
		From:   "staking_pool",
		To:     addr,
		Amount: amount,
	})
	return nil
}

// PendingRewards returns the currently claimable staking reward.
func (l *Ledger) PendingRewards(addr string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.PendingRewards(addr)
}

// ClaimRewards mints accrued staking rewards and stages a reward record.
func (l *Ledger) ClaimRewards(addr string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, err := l.tokens.ClaimRewards(addr)
	if err != nil {
		return 0, err
	}
	l.chain.AddRecord(models.Record{
		Type:   models.RecordStakingReward,
		From:   "system",
		To:     addr,
		Amount: amount,
	})
	return amount, nil
}

// CreateProposal opens a governance proposal.
func (l *Ledger) CreateProposal(proposer, title, description string, votingPeriod uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.CreateProposal(proposer, title, description, votingPeriod)
}

// Vote casts a stake-weighted vote.
func (l *Ledger) Vote(voter string, proposalID uint64, support bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Vote(voter, proposalID, support)
}

// FinalizeProposal settles an expired proposal.
func (l *Ledger) FinalizeProposal(proposalID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.FinalizeProposal(proposalID)
}

// Proposal returns one proposal by id.
func (l *Ledger) Proposal(id uint64) (models.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Proposal(id)
}

// Proposals returns every proposal.
func (l *Ledger) Proposals() []models.Proposal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens.Proposals()
}

// CommitBlock mines the pending records into a new block, mints the miner
// reward, and advances the token ledger's height. The proof-of-work search
// runs under the lock: commit is all-or-nothing.
func (l *Ledger) CommitBlock(miner string) (models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.validators) > 0 && !l.validators[miner] {
		return models.Block{}, ErrUnknownMiner
	}

	block := l.chain.Commit(miner)
	if reward := l.chain.MiningReward(); reward > 0 {
		_ = l.tokens.Mint(miner, token.AssetGrid, reward)
	}
	l.tokens.SetHeight(l.chain.Height())

	l.log.WithFields(logrus.Fields{
		"height":  block.Height,
		"miner":   miner,
		"records": len(block.Records),
		"nonce":   block.Nonce,
		"hash":    block.Hash,
	}).Info("block committed")
	return block, nil
}

// PendingRecords returns the uncommitted record buffer.
func (l *Ledger) PendingRecords() []models.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.Pending()
}

// Height returns the chain tip height.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.Height()
}

// Block returns the block at a height.
func (l *Ledger) Block(height uint64) (models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.Block(height)
}

// Blocks returns the whole chain.
func (l *Ledger) Blocks() []models.Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.Blocks()
}

// ValidateChain re-verifies every hash and parent link. A failure is
// reported, never repaired.
func (l *Ledger) ValidateChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.chain.IsValid() {
		return ErrChainInvalid
	}
	return nil
}

// EnergyBalanceOf derives an address's committed energy position.
func (l *Ledger) EnergyBalanceOf(addr string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.EnergyBalanceOf(addr)
}

// RecordsFor returns the committed records involving an address.
func (l *Ledger) RecordsFor(addr string) []models.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain.RecordsFor(addr)
}
