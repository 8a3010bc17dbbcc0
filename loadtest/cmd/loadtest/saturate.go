package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/huddle/chat-app/loadtest/stats"
)

// runSaturate opens the requested number of authenticated connections and
// holds them. Every first connection of a user puts that user online, so the
// ramp also exercises presence fan-out to the company topic.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "", "JWT_SECRET of the server under test")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	users := fs.Int("users", 1000, "Number of seeded fixture users to spread connections over")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *secret == "" || *users <= 0 || *connections <= 0 {
		fmt.Println("-secret, -users and -connections are required")
		return
	}

	fmt.Printf("Saturate test: %d connections as %d users to %s (ramp=%s, hold=%s)\n",
		*connections, *users, *url, *ramp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up ---")
	start := time.Now()
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		secret:      *secret,
		users:       *users,
		connections: *connections,
		rampUp:      *ramp,
		concurrency: *concurrency,
	}, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Printf("\n--- Hold %s ---\n", *hold)
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-status.C:
				alive := 0
				for _, c := range clients {
					if c.GetMetrics().Errors == 0 {
						alive++
					}
				}
				fmt.Printf("  [hold] alive: %d/%d\n", alive, len(clients))
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	fmt.Printf("\nClosing %d connections...\n", len(clients))
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}
