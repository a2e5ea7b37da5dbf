package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gridwatt/exchange/internal/api"
	"github.com/gridwatt/exchange/internal/auth"
	"github.com/gridwatt/exchange/internal/config"
	"github.com/gridwatt/exchange/internal/db"
	"github.com/gridwatt/exchange/internal/ledger"
	"github.com/gridwatt/exchange/internal/metrics"
	"github.com/gridwatt/exchange/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*wsClient]bool)
	clientsMu sync.RWMutex
)

func broadcastOrderBook(log *logrus.Logger, l *ledger.Ledger) {
	buyOrders, sellOrders := l.OrderBook()
	orderBook := struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}{
		BuyOrders:  buyOrders,
		SellOrders: sellOrders,
	}
	data, err := json.Marshal(orderBook)
	if err != nil {
		log.WithError(err).Error("marshal order book")
		return
	}

	clientsMu.RLock()
	defer clientsMu.RUnlock()
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			go dropClient(client)
		}
	}
}

func dropClient(client *wsClient) {
	clientsMu.Lock()
	delete(clients, client)
	clientsMu.Unlock()
	client.conn.Close()
}

func handleWebSocket(log *logrus.Logger, l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Error("upgrade connection")
			return
		}

		client := &wsClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial order book
		broadcastOrderBook(log, l)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				dropClient(client)
				break
			}
		}
	}
}

// Main entry point: loads configuration, wires database, ledger, and auth,
// and serves the HTTP API.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	metrics.Init()

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer database.Close(ctx)

	l := ledger.New(cfg.Genesis, log)
	authService := auth.NewService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	handler := api.NewHandler(l, database, authService, log)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint
	r.Get("/ws", handleWebSocket(log, l))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)
	r.Get("/market/price", handler.GetMarketPrice)
	r.Get("/market/stats", handler.GetMarketStats)
	r.Get("/proposals", handler.GetProposals)
	r.Get("/blocks", handler.GetBlocks)
	r.Get("/blocks/{height}", handler.GetBlock)
	r.Get("/chain/info", handler.GetChainInfo)
	r.Get("/chain/validate", handler.ValidateChain)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balance", handler.GetBalance)
		r.Post("/transfer", handler.Transfer)
		r.Post("/stake", handler.Stake)
		r.Post("/unstake", handler.Unstake)
		r.Post("/rewards/claim", handler.ClaimRewards)
		r.Post("/proposals", handler.CreateProposal)
		r.Post("/proposals/{id}/vote", handler.Vote)
		r.Post("/proposals/{id}/finalize", handler.FinalizeProposal)
		r.Post("/energy/generation", handler.RecordGeneration)
		r.Post("/energy/consumption", handler.RecordConsumption)
		r.Post("/mine", handler.MineBlock)
	})

	// Periodic order book broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			broadcastOrderBook(log, l)
		}
	}()

	// Optional auto-mining: the first genesis validator commits pending
	// records on a fixed interval.
	if cfg.Server.MineInterval > 0 && len(cfg.Genesis.Validators) > 0 {
		miner := cfg.Genesis.Validators[0]
		go func() {
			ticker := time.NewTicker(cfg.Server.MineInterval.Std())
			for range ticker.C {
				if len(l.PendingRecords()) == 0 {
					continue
				}
				start := time.Now()
				block, err := l.CommitBlock(miner)
				if err != nil {
					log.WithError(err).Error("auto-mine commit")
					continue
				}
				metrics.BlockMined(block.Height, time.Since(start))
				if err := database.SaveBlock(ctx, &block); err != nil {
					log.WithError(err).Warn("persist auto-mined block")
				}
			}
		}()
	}

	log.WithField("addr", cfg.Server.Addr).Info("starting server")
	if err := http.ListenAndServe(cfg.Server.Addr, r); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
