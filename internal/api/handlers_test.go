package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatt/exchange/internal/auth"
	"github.com/gridwatt/exchange/internal/config"
	"github.com/gridwatt/exchange/internal/ledger"
	"github.com/gridwatt/exchange/internal/models"
)

// stubStore satisfies Store in memory. Writes are counted so tests can
// assert the write-through path fired without a database.
type stubStore struct {
	orders    int
	trades    int
	blocks    int
	balances  int
	proposals int
	failAll   bool
}

func (s *stubStore) err() error {
	if s.failAll {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *stubStore) SaveOrder(context.Context, *models.Order) error       { s.orders++; return s.err() }
func (s *stubStore) SaveTrade(context.Context, *models.Trade) error       { s.trades++; return s.err() }
func (s *stubStore) SaveBlock(context.Context, *models.Block) error       { s.blocks++; return s.err() }
func (s *stubStore) UpsertBalance(context.Context, *models.Balance) error { s.balances++; return s.err() }
func (s *stubStore) UpsertProposal(context.Context, *models.Proposal) error {
	s.proposals++
	return s.err()
}

// stubUsers satisfies auth.UserStore in memory.
type stubUsers struct {
	users map[string]*models.User
}

func (s *stubUsers) CreateUser(_ context.Context, username, hash string) (*models.User, error) {
	if _, ok := s.users[username]; ok {
		return nil, errors.New("duplicate username")
	}
	u := &models.User{ID: len(s.users) + 1, Username: username, PasswordHash: hash}
	s.users[username] = u
	return u, nil
}

func (s *stubUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type testEnv struct {
	router *chi.Mux
	ledger *ledger.Ledger
	store  *stubStore
	auth   *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gen := config.Default().Genesis
	gen.Difficulty = 1
	gen.Validators = []string{"validator_1"}
	gen.Accounts = []config.GenesisAccount{
		{Address: "validator_1", Name: "Validator"},
	}
	l := ledger.New(gen, nil)

	store := &stubStore{}
	authSvc := auth.NewService(&stubUsers{users: make(map[string]*models.User)}, "test-secret", time.Hour)
	h := NewHandler(l, store, authSvc, nil)

	r := chi.NewRouter()
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/market/price", h.GetMarketPrice)
	r.Get("/market/stats", h.GetMarketStats)
	r.Get("/proposals", h.GetProposals)
	r.Get("/blocks", h.GetBlocks)
	r.Get("/blocks/{height}", h.GetBlock)
	r.Get("/chain/info", h.GetChainInfo)
	r.Get("/chain/validate", h.ValidateChain)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/balance", h.GetBalance)
		r.Post("/transfer", h.Transfer)
		r.Post("/stake", h.Stake)
		r.Post("/unstake", h.Unstake)
		r.Post("/rewards/claim", h.ClaimRewards)
		r.Post("/proposals", h.CreateProposal)
		r.Post("/proposals/{id}/vote", h.Vote)
		r.Post("/proposals/{id}/finalize", h.FinalizeProposal)
		r.Post("/energy/generation", h.RecordGeneration)
		r.Post("/energy/consumption", h.RecordConsumption)
		r.Post("/mine", h.MineBlock)
	})

	return &testEnv{router: r, ledger: l, store: store, auth: authSvc}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// register creates a user through the API and returns a login token.
func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password123"}
	rec := e.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "solar_farm_1", "password": "password123", "name": "Solar Farm",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "solar_farm_1", decodeBody(t, rec)["address"])

	rec = env.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": "solar_farm_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing password")

	rec = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "solar_farm_1", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceOrderAndMatch(t *testing.T) {
	env := newTestEnv(t)
	sellerTok := env.register(t, "seller")
	buyerTok := env.register(t, "buyer")

	require.NoError(t, env.ledger.Mint("buyer", "WATT", 1000000))
	rec := env.do(t, http.MethodPost, "/energy/generation", sellerTok, map[string]int64{"amount": 5000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/orders", sellerTok, map[string]interface{}{
		"side": "sell", "energy_amount": 1000, "price": 1500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["order_id"])

	rec = env.do(t, http.MethodPost, "/orders", buyerTok, map[string]interface{}{
		"side": "buy", "energy_amount": 1000, "price": 1500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	trades, ok := body["trades"].([]interface{})
	require.True(t, ok)
	require.Len(t, trades, 1)
	trade := trades[0].(map[string]interface{})
	assert.Equal(t, float64(157), trade["total_cost"])

	// Orders, the trade, and both settled balances hit the store.
	assert.Equal(t, 2, env.store.orders)
	assert.Equal(t, 1, env.store.trades)
	assert.Equal(t, 2, env.store.balances)

	rec = env.do(t, http.MethodGet, "/trades", buyerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, int64(150), history[0].BaseCost)
}

func TestPlaceOrderRejections(t *testing.T) {
	env := newTestEnv(t)
	tok := env.register(t, "trader")

	tests := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{"bad side", map[string]interface{}{"side": "hold", "energy_amount": 1000, "price": 1500}, http.StatusBadRequest},
		{"amount too small", map[string]interface{}{"side": "buy", "energy_amount": 1, "price": 1500}, http.StatusBadRequest},
		{"price too high", map[string]interface{}{"side": "buy", "energy_amount": 1000, "price": 200000}, http.StatusBadRequest},
		{"unfunded buy", map[string]interface{}{"side": "buy", "energy_amount": 1000, "price": 1500}, http.StatusConflict},
		{"sell without energy", map[string]interface{}{"side": "sell", "energy_amount": 1000, "price": 1500}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/orders", tok, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	sellerTok := env.register(t, "seller")
	otherTok := env.register(t, "other")

	rec := env.do(t, http.MethodPost, "/energy/generation", sellerTok, map[string]int64{"amount": 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/orders", sellerTok, map[string]interface{}{
		"side": "sell", "energy_amount": 1000, "price": 1500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeBody(t, rec)["order_id"].(string)

	rec = env.do(t, http.MethodDelete, "/orders/"+orderID, otherTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/orders/missing", sellerTok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/orders/"+orderID, sellerTok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/orders/"+orderID, sellerTok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMarketPriceEmptyBook(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/market/price", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalanceTransferAndStake(t *testing.T) {
	env := newTestEnv(t)
	aliceTok := env.register(t, "alice_grid")
	env.register(t, "bob_grid")
	require.NoError(t, env.ledger.Mint("alice_grid", "GRID", 5000))

	rec := env.do(t, http.MethodPost, "/transfer", aliceTok, map[string]interface{}{
		"to": "bob_grid", "asset": "GRID", "amount": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/transfer", aliceTok, map[string]interface{}{
		"to": "bob_grid", "asset": "GRID", "amount": 1000000,
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "insufficient balance")

	// Below the minimum stake.
	rec = env.do(t, http.MethodPost, "/stake", aliceTok, map[string]int64{"amount": 500})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/stake", aliceTok, map[string]int64{"amount": 2000})
	require.Equal(t, http.StatusOK, rec.Code)
	var bal models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(2000), bal.StakedGrid)
	assert.Equal(t, int64(2000), bal.Grid)

	rec = env.do(t, http.MethodPost, "/rewards/claim", aliceTok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing accrued yet")

	rec = env.do(t, http.MethodPost, "/unstake", aliceTok, map[string]int64{"amount": 2000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/balance", aliceTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["pending_rewards"])
}

func TestGovernanceEndpoints(t *testing.T) {
	env := newTestEnv(t)
	aliceTok := env.register(t, "alice_grid")
	bobTok := env.register(t, "bob_grid")
	require.NoError(t, env.ledger.Mint("alice_grid", "GRID", 5000))
	require.NoError(t, env.ledger.Mint("bob_grid", "GRID", 5000))

	// Proposals are gated on an active stake.
	rec := env.do(t, http.MethodPost, "/proposals", aliceTok, map[string]interface{}{
		"title": "Lower grid fee",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/stake", aliceTok, map[string]int64{"amount": 2000})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/stake", bobTok, map[string]int64{"amount": 1000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/proposals", aliceTok, map[string]interface{}{
		"title": "Lower grid fee", "description": "4% instead of 5%", "voting_period": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	proposalID := fmt.Sprintf("%.0f", decodeBody(t, rec)["proposal_id"].(float64))

	rec = env.do(t, http.MethodPost, "/proposals/"+proposalID+"/vote", aliceTok, map[string]bool{"support": true})
	assert.Equal(t, http.StatusConflict, rec.Code, "own proposal")

	rec = env.do(t, http.MethodPost, "/proposals/"+proposalID+"/vote", bobTok, map[string]bool{"support": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/proposals/"+proposalID+"/vote", bobTok, map[string]bool{"support": true})
	assert.Equal(t, http.StatusConflict, rec.Code, "double vote")

	rec = env.do(t, http.MethodPost, "/proposals/"+proposalID+"/finalize", aliceTok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "voting still open")

	// Advance the chain past the deadline.
	for i := 0; i < 6; i++ {
		_, err := env.ledger.CommitBlock("validator_1")
		require.NoError(t, err)
	}

	rec = env.do(t, http.MethodPost, "/proposals/"+proposalID+"/finalize", aliceTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, models.ProposalPassed, p.Status)

	rec = env.do(t, http.MethodGet, "/proposals", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proposals []models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proposals))
	assert.Len(t, proposals, 1)
}

func TestMiningEndpoints(t *testing.T) {
	env := newTestEnv(t)
	minerTok := env.register(t, "miner_x")

	// Not in the validator set.
	rec := env.do(t, http.MethodPost, "/mine", minerTok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	block, err := env.ledger.CommitBlock("validator_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Height)

	rec = env.do(t, http.MethodGet, "/blocks", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks []models.Block
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	assert.Len(t, blocks, 2)

	rec = env.do(t, http.MethodGet, "/blocks/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/blocks/99", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/blocks/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/chain/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody(t, rec)
	assert.Equal(t, float64(1), info["height"])

	rec = env.do(t, http.MethodGet, "/chain/validate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])
}

func TestPersistenceFailuresDoNotFailRequests(t *testing.T) {
	env := newTestEnv(t)
	env.store.failAll = true
	tok := env.register(t, "seller")

	rec := env.do(t, http.MethodPost, "/energy/generation", tok, map[string]int64{"amount": 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/orders", tok, map[string]interface{}{
		"side": "sell", "energy_amount": 1000, "price": 1500,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, "store failures are logged, not surfaced")
}
