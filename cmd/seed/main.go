package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gridwatt/exchange/internal/config"
	"github.com/gridwatt/exchange/internal/db"
	"github.com/gridwatt/exchange/internal/models"
)

// Seed the database with demo traders and balances.
func main() {
	log := logrus.New()
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("EXCHANGE_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer database.Close(ctx)

	trades, err := database.GetAllTrades(ctx)
	if err != nil {
		log.WithError(err).Fatal("check trades")
	}
	if len(trades) > 0 {
		fmt.Printf("Database already has %d trades. No need to seed.\n", len(trades))
		os.Exit(0)
	}

	// bcrypt hash of "password"
	const demoHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

	demo := []struct {
		username string
		watt     int64
		grid     int64
	}{
		{"solar_farm_1", 500000, 100000},
		{"household_2", 1000000, 50000},
	}

	for _, d := range demo {
		if _, err := database.GetUserByUsername(ctx, d.username); err == nil {
			continue
		}
		if _, err := database.CreateUser(ctx, d.username, demoHash); err != nil {
			log.WithError(err).WithField("username", d.username).Fatal("create user")
		}
		balance := models.Balance{Address: d.username, Watt: d.watt, Grid: d.grid}
		if err := database.UpsertBalance(ctx, &balance); err != nil {
			log.WithError(err).WithField("username", d.username).Fatal("seed balance")
		}
		log.WithField("username", d.username).Info("seeded trader")
	}

	fmt.Println("Seed complete.")
}
