package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"spread-grid-bot/internal/bybit"
	"spread-grid-bot/internal/config"
	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pollInterval = 2 * time.Second

// Flatten utility: submits reduce-only market closes for every open
// position on both legs and polls until the account is flat.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	wait := flag.Duration("wait", 60*time.Second, "how long to wait for flat before giving up")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	apiKey := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	if apiKey == "" || apiSecret == "" {
		log.Error("BYBIT_API_KEY and BYBIT_API_SECRET are required")
		os.Exit(1)
	}
	client := bybit.NewClient(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, cfg.REST.RateLimit, cfg.REST.Burst, log)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	instruments := []string{cfg.Instruments.LegA, cfg.Instruments.LegB}
	if err := closeAll(ctx, client, instruments, log); err != nil {
		log.Error("close-all failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("all positions flat")
}

func closeAll(ctx context.Context, client *bybit.Client, instruments []string, log *zap.Logger) error {
	submitted := 0
	for _, instrument := range instruments {
		positions, err := client.Positions(ctx, instrument)
		if err != nil {
			return err
		}
		for _, p := range positions {
			order := exchange.Order{
				Instrument:  instrument,
				Side:        p.Side.Opposite(),
				Quantity:    p.Quantity,
				Style:       exchange.StyleMarket,
				ReduceOnly:  true,
				TimeInForce: "IOC",
				ClientRef:   uuid.NewString(),
			}
			if _, err := client.Submit(ctx, order); err != nil {
				return fmt.Errorf("close %s: %w", instrument, err)
			}
			submitted++
			log.Info("submitted reduce-only close",
				zap.String("instrument", instrument),
				zap.String("side", string(order.Side)),
				zap.Float64("quantity", p.Quantity),
			)
		}
	}
	if submitted == 0 {
		return nil
	}
	return waitForFlat(ctx, client, instruments, log)
}

func waitForFlat(ctx context.Context, client *bybit.Client, instruments []string, log *zap.Logger) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("positions still open: %w", ctx.Err())
		case <-ticker.C:
		}
		open := 0
		for _, instrument := range instruments {
			positions, err := client.Positions(ctx, instrument)
			if err != nil {
				log.Warn("position poll failed", zap.Error(err))
				open++
				continue
			}
			open += len(positions)
		}
		if open == 0 {
			return nil
		}
		log.Info("waiting for flat", zap.Int("open_positions", open))
	}
}
