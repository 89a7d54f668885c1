package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"spread-grid-bot/internal/bybit"
	"spread-grid-bot/internal/config"

	"go.uber.org/zap"
)

// One-shot spread check: fetch both tickers over REST and print the
// mids and the relative spread.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	client := bybit.NewClient(cfg.REST.BaseURL, "", "", cfg.REST.Timeout, cfg.REST.RateLimit, cfg.REST.Burst, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	quoteA, err := client.Ticker(ctx, cfg.Instruments.LegA)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfg.Instruments.LegA, err)
		os.Exit(1)
	}
	quoteB, err := client.Ticker(ctx, cfg.Instruments.LegB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfg.Instruments.LegB, err)
		os.Exit(1)
	}

	midA := (quoteA.Bid + quoteA.Ask) / 2
	midB := (quoteB.Bid + quoteB.Ask) / 2
	spread := (midA - midB) / midB

	fmt.Printf("%-10s mid %.4f (bid %.4f / ask %.4f)\n", cfg.Instruments.LegA, midA, quoteA.Bid, quoteA.Ask)
	fmt.Printf("%-10s mid %.4f (bid %.4f / ask %.4f)\n", cfg.Instruments.LegB, midB, quoteB.Bid, quoteB.Ask)
	fmt.Printf("spread     %.6f (%.4f%%)\n", spread, spread*100)
	for i, level := range cfg.Grid.Levels {
		marker := " "
		if spread > level || -spread > level {
			marker = "*"
		}
		fmt.Printf("  level %d  %.6f %s\n", i, level, marker)
	}
}
