// Package market implements the energy order book and matching engine.
// Orders are kept in price-time priority and settlement runs through the
// token ledger, so a failed settlement leaves the book and all balances
// untouched for that pair.
package market

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gridwatt/exchange/internal/models"
	"github.com/gridwatt/exchange/internal/token"
)

var (
	ErrMarketClosed        = errors.New("market is closed")
	ErrInvalidEnergyAmount = errors.New("energy amount out of bounds")
	ErrInvalidPrice        = errors.New("price out of bounds")
	ErrInsufficientEnergy  = errors.New("insufficient sellable energy")
	ErrSelfTrade           = errors.New("order would self-trade")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotActive      = errors.New("order not active")
	ErrUnauthorized        = errors.New("not the order owner")
	ErrProsumerNotFound    = errors.New("prosumer not registered")
	ErrProsumerExists      = errors.New("prosumer already registered")
)

// Config holds the market parameters. The fee rate is in basis points;
// energy bounds are in centi-kWh and price bounds in 1/10000 WATT per kWh.
type Config struct {
	GridFeeRate  int64
	MinOrderSize int64
	MaxOrderSize int64
	MinPrice     int64
	MaxPrice     int64
	MarketOpen   bool
}

// DefaultConfig returns the genesis market parameters: 5% grid fee, order
// sizes 1–1000 kWh, prices 0.01–10 WATT per kWh.
func DefaultConfig() Config {
	return Config{
		GridFeeRate:  500,
		MinOrderSize: 100,
		MaxOrderSize: 100000,
		MinPrice:     100,
		MaxPrice:     100000,
		MarketOpen:   true,
	}
}

// Stats carries running market totals.
type Stats struct {
	TotalEnergyTraded int64 `json:"total_energy_traded"`
	TotalVolume       int64 `json:"total_volume"`
	TotalGridFees     int64 `json:"total_grid_fees"`
	TradeCount        int64 `json:"trade_count"`
}

// Market owns the buy/sell queues, the order and trade lookup tables, and
// the prosumer meter registry. Not internally synchronized; the aggregate
// ledger serializes access.
type Market struct {
	cfg    Config
	tokens *token.Ledger

	buyOrders  []*models.Order // descending price, then ascending time
	sellOrders []*models.Order // ascending price, then ascending time

	orders    map[string]*models.Order
	trades    map[string]*models.Trade
	tradeLog  []*models.Trade
	prosumers map[string]*models.Prosumer

	stats Stats
	now   func() time.Time
}

// New creates an empty market settling against the given token ledger.
func New(cfg Config, tokens *token.Ledger) *Market {
	return &Market{
		cfg:       cfg,
		tokens:    tokens,
		orders:    make(map[string]*models.Order),
		trades:    make(map[string]*models.Trade),
		prosumers: make(map[string]*models.Prosumer),
		now:       time.Now,
	}
}

// RegisterProsumer adds an account to the meter registry.
func (m *Market) RegisterProsumer(addr, name string) error {
	if _, ok := m.prosumers[addr]; ok {
		return ErrProsumerExists
	}
	m.prosumers[addr] = &models.Prosumer{Address: addr, Name: name}
	return nil
}

// Prosumer returns a copy of one prosumer's meter state.
func (m *Market) Prosumer(addr string) (models.Prosumer, error) {
	p, ok := m.prosumers[addr]
	if !ok {
		return models.Prosumer{}, ErrProsumerNotFound
	}
	return *p, nil
}

// RecordGeneration adds metered generation for a prosumer.
func (m *Market) RecordGeneration(addr string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidEnergyAmount
	}
	p, ok := m.prosumers[addr]
	if !ok {
		return ErrProsumerNotFound
	}
	p.EnergyGenerated += amount
	return nil
}

// RecordConsumption adds metered consumption for a prosumer.
func (m *Market) RecordConsumption(addr string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidEnergyAmount
	}
	p, ok := m.prosumers[addr]
	if !ok {
		return ErrProsumerNotFound
	}
	p.EnergyConsumed += amount
	return nil
}

// SellableEnergy returns the prosumer's net generated energy, floored at
// zero.
func (m *Market) SellableEnergy(addr string) (int64, error) {
	p, ok := m.prosumers[addr]
	if !ok {
		return 0, ErrProsumerNotFound
	}
	return p.SellableEnergy(), nil
}

func (m *Market) validate(amount, price int64) error {
	if !m.cfg.MarketOpen {
		return ErrMarketClosed
	}
	if amount < m.cfg.MinOrderSize || amount > m.cfg.MaxOrderSize {
		return ErrInvalidEnergyAmount
	}
	if price < m.cfg.MinPrice || price > m.cfg.MaxPrice {
		return ErrInvalidPrice
	}
	return nil
}

// baseCost converts centi-kWh times price units into WATT smallest units.
// Integer truncation at each step keeps settlement deterministic.
func baseCost(amount, price int64) int64 {
	return amount * price / 10000
}

func (m *Market) fee(base int64) int64 {
	return base * m.cfg.GridFeeRate / 10000
}

// MaxOrderCost returns the worst-case cost of a buy order including the
// grid fee. Used for the pre-trade affordability check; no funds are held.
func (m *Market) MaxOrderCost(amount, price int64) int64 {
	base := baseCost(amount, price)
	return base + m.fee(base)
}

// PlaceOrder validates and inserts a new order, then matches to a fixed
// point. The order id is returned even when matching stops with an error,
// because the order is in the book either way.
func (m *Market) PlaceOrder(trader string, side models.Side, amount, price int64) (string, []models.Trade, error) {
	if err := m.validate(amount, price); err != nil {
		return "", nil, err
	}
	switch side {
	case models.SideSell:
		sellable, err := m.SellableEnergy(trader)
		if err != nil {
			return "", nil, err
		}
		if sellable < amount {
			return "", nil, ErrInsufficientEnergy
		}
	case models.SideBuy:
		if m.tokens.Balance(trader).Watt < m.MaxOrderCost(amount, price) {
			return "", nil, token.ErrInsufficientBalance
		}
	default:
		return "", nil, ErrInvalidEnergyAmount
	}

	order := &models.Order{
		ID:           uuid.NewString(),
		Trader:       trader,
		Side:         side,
		EnergyAmount: amount,
		Price:        price,
		Active:       true,
		CreatedAt:    m.now(),
	}
	m.insert(order)
	m.orders[order.ID] = order

	trades, err := m.MatchOrders()
	return order.ID, trades, err
}

// insert places the order in its queue preserving price-time priority.
func (m *Market) insert(order *models.Order) {
	if order.Side == models.SideBuy {
		pos := len(m.buyOrders)
		for i, o := range m.buyOrders {
			if order.Price > o.Price ||
				(order.Price == o.Price && order.CreatedAt.Before(o.CreatedAt)) {
				pos = i
				break
			}
		}
		m.buyOrders = append(m.buyOrders, nil)
		copy(m.buyOrders[pos+1:], m.buyOrders[pos:])
		m.buyOrders[pos] = order
		return
	}
	pos := len(m.sellOrders)
	for i, o := range m.sellOrders {
		if order.Price < o.Price ||
			(order.Price == o.Price && order.CreatedAt.Before(o.CreatedAt)) {
			pos = i
			break
		}
	}
	m.sellOrders = append(m.sellOrders, nil)
	copy(m.sellOrders[pos+1:], m.sellOrders[pos:])
	m.sellOrders[pos] = order
}

// MatchOrders crosses the book until the best buy no longer meets the best
// sell. The execution price is always the resting sell price. A self-trade
// at the top of the book aborts the pass; trades from earlier iterations
// stand because their settlement is already final.
func (m *Market) MatchOrders() ([]models.Trade, error) {
	var executed []models.Trade

	for len(m.buyOrders) > 0 && len(m.sellOrders) > 0 {
		buy := m.buyOrders[0]
		sell := m.sellOrders[0]

		if buy.Price < sell.Price {
			break
		}
		if buy.Trader == sell.Trader {
			return executed, ErrSelfTrade
		}

		amount := buy.Remaining()
		if r := sell.Remaining(); r < amount {
			amount = r
		}
		price := sell.Price
		base := baseCost(amount, price)
		fee := m.fee(base)

		if err := m.tokens.SettleTrade(buy.Trader, sell.Trader, base, fee); err != nil {
			return executed, err
		}

		trade := models.Trade{
			ID:           uuid.NewString(),
			Buyer:        buy.Trader,
			Seller:       sell.Trader,
			EnergyAmount: amount,
			Price:        price,
			BaseCost:     base,
			GridFee:      fee,
			TotalCost:    base + fee,
			BuyOrderID:   buy.ID,
			SellOrderID:  sell.ID,
			ExecutedAt:   m.now(),
		}
		t := trade
		m.trades[trade.ID] = &t
		m.tradeLog = append(m.tradeLog, &t)
		executed = append(executed, trade)

		m.stats.TotalEnergyTraded += amount
		m.stats.TotalVolume += base
		m.stats.TotalGridFees += fee
		m.stats.TradeCount++

		buy.Filled += amount
		sell.Filled += amount

		// Fully filled orders leave their queue; partial fills stay at the
		// head and keep their priority.
		if buy.Remaining() == 0 {
			buy.Active = false
			m.buyOrders = m.buyOrders[1:]
		}
		if sell.Remaining() == 0 {
			sell.Active = false
			m.sellOrders = m.sellOrders[1:]
		}
	}

	return executed, nil
}

// CancelOrder deactivates an order and removes it from its queue. The order
// stays in the lookup table for audit.
func (m *Market) CancelOrder(orderID, trader string) error {
	order, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Trader != trader {
		return ErrUnauthorized
	}
	if !order.Active {
		return ErrOrderNotActive
	}
	order.Active = false
	if order.Side == models.SideBuy {
		m.buyOrders = removeOrder(m.buyOrders, orderID)
	} else {
		m.sellOrders = removeOrder(m.sellOrders, orderID)
	}
	return nil
}

func removeOrder(queue []*models.Order, id string) []*models.Order {
	for i, o := range queue {
		if o.ID == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// MarketPrice returns the best ask, or false when no sell orders rest.
func (m *Market) MarketPrice() (int64, bool) {
	if len(m.sellOrders) == 0 {
		return 0, false
	}
	return m.sellOrders[0].Price, true
}

// OrderBook returns copies of both queues in priority order.
func (m *Market) OrderBook() ([]models.Order, []models.Order) {
	buys := make([]models.Order, len(m.buyOrders))
	for i, o := range m.buyOrders {
		buys[i] = *o
	}
	sells := make([]models.Order, len(m.sellOrders))
	for i, o := range m.sellOrders {
		sells[i] = *o
	}
	return buys, sells
}

// Order returns a copy of one order from the lookup table, active or not.
func (m *Market) Order(id string) (models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// OrdersFor returns every order a trader has ever placed.
func (m *Market) OrdersFor(trader string) []models.Order {
	var out []models.Order
	for _, o := range m.orders {
		if o.Trader == trader {
			out = append(out, *o)
		}
	}
	return out
}

// Trade returns one executed trade by id.
func (m *Market) Trade(id string) (models.Trade, error) {
	t, ok := m.trades[id]
	if !ok {
		return models.Trade{}, ErrOrderNotFound
	}
	return *t, nil
}

// Trades returns the full trade history in execution order.
func (m *Market) Trades() []models.Trade {
	out := make([]models.Trade, len(m.tradeLog))
	for i, t := range m.tradeLog {
		out[i] = *t
	}
	return out
}

// TradesFor returns the trade history involving one account.
func (m *Market) TradesFor(addr string) []models.Trade {
	var out []models.Trade
	for _, t := range m.tradeLog {
		if t.Buyer == addr || t.Seller == addr {
			out = append(out, *t)
		}
	}
	return out
}

// Stats returns the running market totals.
func (m *Market) Stats() Stats { return m.stats }

// OpenMarket resumes accepting new orders.
func (m *Market) OpenMarket() { m.cfg.MarketOpen = true }

// CloseMarket stops accepting new orders. Resting orders stay in the book.
func (m *Market) CloseMarket() { m.cfg.MarketOpen = false }
