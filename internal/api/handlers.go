// Package api exposes the ledger's query/command surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridwatt/exchange/internal/auth"
	"github.com/gridwatt/exchange/internal/ledger"
	"github.com/gridwatt/exchange/internal/market"
	"github.com/gridwatt/exchange/internal/metrics"
	"github.com/gridwatt/exchange/internal/models"
	"github.com/gridwatt/exchange/internal/token"
)

type contextKey string

const addressKey contextKey = "address"

// Store is the write-through persistence surface the handlers use. *db.DB
// satisfies it; tests provide a stub.
type Store interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	SaveTrade(ctx context.Context, trade *models.Trade) error
	SaveBlock(ctx context.Context, block *models.Block) error
	UpsertBalance(ctx context.Context, b *models.Balance) error
	UpsertProposal(ctx context.Context, p *models.Proposal) error
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	Store  Store
	Auth   *auth.Service
	Log    *logrus.Logger
}

// NewHandler creates a new handler.
func NewHandler(l *ledger.Ledger, store Store, authService *auth.Service, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{Ledger: l, Store: store, Auth: authService, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes. All of them are
// recoverable at the call boundary.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrOrderNotFound),
		errors.Is(err, market.ErrProsumerNotFound),
		errors.Is(err, token.ErrProposalNotFound),
		errors.Is(err, ledger.ErrUnknownMiner):
		return http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrSelfTrade),
		errors.Is(err, market.ErrOrderNotActive),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, market.ErrInsufficientEnergy),
		errors.Is(err, token.ErrAlreadyVoted),
		errors.Is(err, token.ErrCannotVoteOnOwnProposal),
		errors.Is(err, token.ErrProposalNotActive),
		errors.Is(err, token.ErrVotingPeriodEnded),
		errors.Is(err, token.ErrVotingNotEnded),
		errors.Is(err, token.ErrNotStaking),
		errors.Is(err, token.ErrMinimumStakeNotMet),
		errors.Is(err, token.ErrNoRewardsToClaim),
		errors.Is(err, token.ErrAccountExists),
		errors.Is(err, market.ErrProsumerExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrChainInvalid):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// persist runs a write-through save and logs instead of failing the
// request; the in-memory aggregate stays authoritative.
func (h *Handler) persist(what string, err error) {
	if err != nil {
		h.Log.WithError(err).WithField("object", what).Warn("persistence write failed")
	}
}

// Register handles trader registration: user row, token account, prosumer
// meter.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}
	if err := h.Ledger.Register(user.Username, req.Name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      user.ID,
		"address": user.Username,
	})
}

// Login handles trader login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokenString, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tokenString})
}

// JWTAuthMiddleware verifies JWT tokens and injects the account address.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		address, err := h.Auth.AddressFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), addressKey, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestAddress(r *http.Request) (string, bool) {
	address, ok := r.Context().Value(addressKey).(string)
	return address, ok && address != ""
}

// PlaceOrder handles order placement and matching.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Side         string `json:"side"`
		EnergyAmount int64  `json:"energy_amount"`
		Price        int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side := models.Side(req.Side)
	if side != models.SideBuy && side != models.SideSell {
		writeError(w, http.StatusBadRequest, "side must be 'buy' or 'sell'")
		return
	}

	orderID, trades, err := h.Ledger.PlaceOrder(address, side, req.EnergyAmount, req.Price)
	if err != nil && orderID == "" {
		metrics.OrderRejected()
		writeError(w, statusFor(err), err.Error())
		return
	}
	metrics.OrderPlaced(string(side))

	if order, lookupErr := h.Ledger.Order(orderID); lookupErr == nil {
		h.persist("order", h.Store.SaveOrder(r.Context(), &order))
	}
	for i := range trades {
		metrics.TradeExecuted(trades[i].BaseCost, trades[i].GridFee)
		h.persist("trade", h.Store.SaveTrade(r.Context(), &trades[i]))
		buyerBal := h.Ledger.Balance(trades[i].Buyer)
		sellerBal := h.Ledger.Balance(trades[i].Seller)
		h.persist("balance", h.Store.UpsertBalance(r.Context(), &buyerBal))
		h.persist("balance", h.Store.UpsertBalance(r.Context(), &sellerBal))
	}

	resp := map[string]interface{}{
		"order_id": orderID,
		"trades":   trades,
	}
	if err != nil {
		// Order is booked but the matching pass stopped early.
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CancelOrder handles order cancellation.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID := chi.URLParam(r, "id")

	if err := h.Ledger.CancelOrder(orderID, address); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if order, err := h.Ledger.Order(orderID); err == nil {
		h.persist("order", h.Store.SaveOrder(r.Context(), &order))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// GetOrderBook returns both sides of the book in priority order.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	buys, sells := h.Ledger.OrderBook()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetMarketPrice returns the best ask.
func (h *Handler) GetMarketPrice(w http.ResponseWriter, r *http.Request) {
	price, ok := h.Ledger.MarketPrice()
	if !ok {
		writeError(w, http.StatusNotFound, "no sell orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"price": price})
}

// GetUserOrders returns the caller's order history.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, h.Ledger.OrdersFor(address))
}

// GetUserTrades returns the caller's trade history.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, h.Ledger.TradesFor(address))
}

// GetMarketStats returns running market totals.
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.MarketStats())
}

// GetBalance returns the caller's token balances and energy position.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	balance := h.Ledger.Balance(address)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":         balance,
		"pending_rewards": h.Ledger.PendingRewards(address),
		"energy_balance":  h.Ledger.EnergyBalanceOf(address),
	})
}

// Transfer moves tokens from the caller to another account.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		To     string `json:"to"`
		Asset  string `json:"asset"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Ledger.Transfer(address, req.To, token.Asset(req.Asset), req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	from := h.Ledger.Balance(address)
	to := h.Ledger.Balance(req.To)
	h.persist("balance", h.Store.UpsertBalance(r.Context(), &from))
	h.persist("balance", h.Store.UpsertBalance(r.Context(), &to))
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// Stake locks GRID into the caller's staking position.
func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	h.stakeOp(w, r, h.Ledger.Stake)
}

// Unstake releases GRID from the caller's staking position.
func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	h.stakeOp(w, r, h.Ledger.Unstake)
}

func (h *Handler) stakeOp(w http.ResponseWriter, r *http.Request, op func(string, int64) error) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := op(address, req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	balance := h.Ledger.Balance(address)
	h.persist("balance", h.Store.UpsertBalance(r.Context(), &balance))
	writeJSON(w, http.StatusOK, balance)
}

// ClaimRewards mints the caller's accrued staking rewards.
func (h *Handler) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	amount, err := h.Ledger.ClaimRewards(address)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	balance := h.Ledger.Balance(address)
	h.persist("balance", h.Store.UpsertBalance(r.Context(), &balance))
	writeJSON(w, http.StatusOK, map[string]int64{"claimed": amount})
}

// CreateProposal opens a governance proposal.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Title        string `json:"title"`
		Description  string `json:"description"`
		VotingPeriod uint64 `json:"voting_period"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}

	id, err := h.Ledger.CreateProposal(address, req.Title, req.Description, req.VotingPeriod)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if p, lookupErr := h.Ledger.Proposal(id); lookupErr == nil {
		h.persist("proposal", h.Store.UpsertProposal(r.Context(), &p))
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"proposal_id": id})
}

// Vote casts a stake-weighted vote on a proposal.
func (h *Handler) Vote(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	proposalID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	var req struct {
		Support bool `json:"support"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Ledger.Vote(address, proposalID, req.Support); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if p, lookupErr := h.Ledger.Proposal(proposalID); lookupErr == nil {
		h.persist("proposal", h.Store.UpsertProposal(r.Context(), &p))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "voted"})
}

// FinalizeProposal settles an expired proposal.
func (h *Handler) FinalizeProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	if err := h.Ledger.FinalizeProposal(proposalID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	p, err := h.Ledger.Proposal(proposalID)
	if err == nil {
		h.persist("proposal", h.Store.UpsertProposal(r.Context(), &p))
	}
	writeJSON(w, http.StatusOK, p)
}

// GetProposals lists every proposal.
func (h *Handler) GetProposals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.Proposals())
}

// RecordGeneration ingests metered generation for the caller.
func (h *Handler) RecordGeneration(w http.ResponseWriter, r *http.Request) {
	h.meterOp(w, r, h.Ledger.RecordGeneration)
}

// RecordConsumption ingests metered consumption for the caller.
func (h *Handler) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	h.meterOp(w, r, h.Ledger.RecordConsumption)
}

func (h *Handler) meterOp(w http.ResponseWriter, r *http.Request, op func(string, int64) error) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := op(address, req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	prosumer, err := h.Ledger.Prosumer(address)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prosumer)
}

// MineBlock commits the pending records into a new block.
func (h *Handler) MineBlock(w http.ResponseWriter, r *http.Request) {
	address, ok := requestAddress(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	start := time.Now()
	block, err := h.Ledger.CommitBlock(address)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	metrics.BlockMined(block.Height, time.Since(start))
	h.persist("block", h.Store.SaveBlock(r.Context(), &block))
	minerBal := h.Ledger.Balance(address)
	h.persist("balance", h.Store.UpsertBalance(r.Context(), &minerBal))
	writeJSON(w, http.StatusCreated, block)
}

// GetBlocks returns the whole chain.
func (h *Handler) GetBlocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.Blocks())
}

// GetBlock returns one block by height.
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}
	block, err := h.Ledger.Block(height)
	if err != nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// GetChainInfo returns the tip summary and pending-buffer size.
func (h *Handler) GetChainInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":          h.Ledger.Height(),
		"pending_records": len(h.Ledger.PendingRecords()),
		"watt_supply":     h.Ledger.TotalSupply(token.AssetWatt),
		"grid_supply":     h.Ledger.TotalSupply(token.AssetGrid),
	})
}

// ValidateChain re-verifies the whole chain.
func (h *Handler) ValidateChain(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.ValidateChain(); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}
