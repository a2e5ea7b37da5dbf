// Package db persists committed ledger state to PostgreSQL: users,
// balances, orders, trades, blocks with their records, and proposals. The
// in-memory aggregate stays authoritative; this layer is write-through.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/gridwatt/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return user, nil
}

// SaveOrder upserts an order's current state.
func (db *DB) SaveOrder(ctx context.Context, order *models.Order) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO orders (id, trader, side, energy_amount, price, filled, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET filled = EXCLUDED.filled, active = EXCLUDED.active`,
		order.ID, order.Trader, string(order.Side), order.EnergyAmount, order.Price,
		order.Filled, order.Active, order.CreatedAt)
	return errors.Wrap(err, "save order")
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order := &models.Order{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, trader, side, energy_amount, price, filled, active, created_at
		FROM orders WHERE id = $1`, id).Scan(
		&order.ID, &order.Trader, &order.Side, &order.EnergyAmount, &order.Price,
		&order.Filled, &order.Active, &order.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return order, nil
}

// GetOpenOrders retrieves every active order, oldest first.
func (db *DB) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, trader, side, energy_amount, price, filled, active, created_at
		FROM orders
		WHERE active = TRUE
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "get open orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetTraderOrders retrieves all orders for a trader.
func (db *DB) GetTraderOrders(ctx context.Context, trader string) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, trader, side, energy_amount, price, filled, active, created_at
		FROM orders WHERE trader = $1
		ORDER BY created_at ASC`, trader)
	if err != nil {
		return nil, errors.Wrap(err, "get trader orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.Trader, &o.Side, &o.EnergyAmount, &o.Price,
			&o.Filled, &o.Active, &o.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		orders = append(orders, o)
	}
	return orders, errors.Wrap(rows.Err(), "iterate orders")
}

// SaveTrade inserts an executed trade.
func (db *DB) SaveTrade(ctx context.Context, trade *models.Trade) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO trades (id, buyer, seller, energy_amount, price, base_cost, grid_fee, total_cost, buy_order_id, sell_order_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		trade.ID, trade.Buyer, trade.Seller, trade.EnergyAmount, trade.Price,
		trade.BaseCost, trade.GridFee, trade.TotalCost, trade.BuyOrderID,
		trade.SellOrderID, trade.ExecutedAt)
	return errors.Wrap(err, "save trade")
}

// GetAllTrades retrieves the full trade history, oldest first.
func (db *DB) GetAllTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, buyer, seller, energy_amount, price, base_cost, grid_fee, total_cost, buy_order_id, sell_order_id, executed_at
		FROM trades ORDER BY executed_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "get trades")
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTraderTrades retrieves the trades an account took part in.
func (db *DB) GetTraderTrades(ctx context.Context, trader string) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, buyer, seller, energy_amount, price, base_cost, grid_fee, total_cost, buy_order_id, sell_order_id, executed_at
		FROM trades
		WHERE buyer = $1 OR seller = $1
		ORDER BY executed_at ASC`, trader)
	if err != nil {
		return nil, errors.Wrap(err, "get trader trades")
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.Buyer, &t.Seller, &t.EnergyAmount, &t.Price,
			&t.BaseCost, &t.GridFee, &t.TotalCost, &t.BuyOrderID, &t.SellOrderID,
			&t.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		trades = append(trades, t)
	}
	return trades, errors.Wrap(rows.Err(), "iterate trades")
}

// UpsertBalance writes an account's current token-ledger state.
func (db *DB) UpsertBalance(ctx context.Context, b *models.Balance) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO balances (address, watt, grid, staked_grid, stake_start, reward_height, unclaimed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			watt = EXCLUDED.watt,
			grid = EXCLUDED.grid,
			staked_grid = EXCLUDED.staked_grid,
			stake_start = EXCLUDED.stake_start,
			reward_height = EXCLUDED.reward_height,
			unclaimed = EXCLUDED.unclaimed`,
		b.Address, b.Watt, b.Grid, b.StakedGrid, b.StakeStart, b.RewardHeight, b.Unclaimed)
	return errors.Wrap(err, "upsert balance")
}

// GetBalance retrieves one account's persisted balance.
func (db *DB) GetBalance(ctx context.Context, address string) (*models.Balance, error) {
	b := &models.Balance{}
	err := db.Pool.QueryRow(ctx, `
		SELECT address, watt, grid, staked_grid, stake_start, reward_height, unclaimed
		FROM balances WHERE address = $1`, address).Scan(
		&b.Address, &b.Watt, &b.Grid, &b.StakedGrid, &b.StakeStart, &b.RewardHeight, &b.Unclaimed)
	if err != nil {
		return nil, errors.Wrap(err, "get balance")
	}
	return b, nil
}

// SaveBlock inserts a committed block and its records in one transaction.
func (db *DB) SaveBlock(ctx context.Context, block *models.Block) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO blocks (height, block_timestamp, prev_hash, hash, nonce)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (height) DO NOTHING`,
		block.Height, block.Timestamp, block.PrevHash, block.Hash, block.Nonce)
	if err != nil {
		return errors.Wrap(err, "insert block")
	}

	for i, r := range block.Records {
		_, err = tx.Exec(ctx, `
			INSERT INTO block_records (block_height, idx, id, type, from_addr, to_addr, energy_amount, amount, record_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (block_height, idx) DO NOTHING`,
			block.Height, i, r.ID, string(r.Type), r.From, r.To, r.EnergyAmount, r.Amount, r.Timestamp)
		if err != nil {
			return errors.Wrapf(err, "insert record %d of block %d", i, block.Height)
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}

// GetBlocks retrieves the persisted chain in height order, records included.
func (db *DB) GetBlocks(ctx context.Context) ([]models.Block, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT height, block_timestamp, prev_hash, hash, nonce
		FROM blocks ORDER BY height ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "get blocks")
	}
	defer rows.Close()

	var blocks []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.Height, &b.Timestamp, &b.PrevHash, &b.Hash, &b.Nonce); err != nil {
			return nil, errors.Wrap(err, "scan block")
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate blocks")
	}

	for i := range blocks {
		records, err := db.getBlockRecords(ctx, blocks[i].Height)
		if err != nil {
			return nil, err
		}
		blocks[i].Records = records
	}
	return blocks, nil
}

func (db *DB) getBlockRecords(ctx context.Context, height uint64) ([]models.Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, type, from_addr, to_addr, energy_amount, amount, record_timestamp
		FROM block_records WHERE block_height = $1 ORDER BY idx ASC`, height)
	if err != nil {
		return nil, errors.Wrapf(err, "get records of block %d", height)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.Type, &r.From, &r.To, &r.EnergyAmount, &r.Amount, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		records = append(records, r)
	}
	return records, errors.Wrap(rows.Err(), "iterate records")
}

// UpsertProposal writes a governance proposal's current state.
func (db *DB) UpsertProposal(ctx context.Context, p *models.Proposal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO proposals (id, proposer, title, description, deadline, votes_for, votes_against, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			votes_for = EXCLUDED.votes_for,
			votes_against = EXCLUDED.votes_against,
			status = EXCLUDED.status`,
		p.ID, p.Proposer, p.Title, p.Description, p.Deadline, p.VotesFor, p.VotesAgainst, string(p.Status))
	return errors.Wrap(err, "upsert proposal")
}

// GetProposals retrieves every persisted proposal.
func (db *DB) GetProposals(ctx context.Context) ([]models.Proposal, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, proposer, title, description, deadline, votes_for, votes_against, status
		FROM proposals ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "get proposals")
	}
	defer rows.Close()

	var proposals []models.Proposal
	for rows.Next() {
		var p models.Proposal
		if err := rows.Scan(&p.ID, &p.Proposer, &p.Title, &p.Description, &p.Deadline,
			&p.VotesFor, &p.VotesAgainst, &p.Status); err != nil {
			return nil, errors.Wrap(err, "scan proposal")
		}
		proposals = append(proposals, p)
	}
	return proposals, errors.Wrap(rows.Err(), "iterate proposals")
}
