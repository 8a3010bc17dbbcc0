package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/huddle/chat-app/loadtest/client"
	"github.com/huddle/chat-app/loadtest/stats"
)

// runChat connects seeded users and has each of them post into its fixture
// conversation at a fixed interval. Every body starts with the send time so
// receivers can measure delivery latency; the client_id carries the same
// timestamp for ack latency on the sender.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "", "JWT_SECRET of the server under test")
	users := fs.Int("users", 200, "Number of seeded users to connect")
	conversations := fs.Int("conversations", 50, "Number of seeded conversations (must match seed)")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep posting")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message body in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *secret == "" || *users <= 0 || *conversations <= 0 {
		fmt.Println("-secret, -users and -conversations are required")
		return
	}

	fmt.Printf("Chat test: %d users in %d conversations at %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *conversations, *url, *ramp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sent, received atomic.Int64

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		secret:      *secret,
		users:       *users,
		connections: *users,
		rampUp:      *ramp,
		concurrency: *concurrency,
	}, collector, func(_ int, c *client.Client) {
		c.On(client.TypeMessageAck, func(raw json.RawMessage) {
			var ack struct {
				ClientID string `json:"client_id"`
			}
			if json.Unmarshal(raw, &ack) == nil {
				if ns, err := strconv.ParseInt(ack.ClientID, 10, 64); err == nil {
					collector.AddAck(time.Since(time.Unix(0, ns)))
				}
			}
		})
		c.On(client.TypeMessage, func(raw json.RawMessage) {
			var msg struct {
				Message struct {
					Body string `json:"body"`
				} `json:"message"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			stamp, _, _ := strings.Cut(msg.Message.Body, "|")
			if ns, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				collector.AddDelivery(time.Since(time.Unix(0, ns)))
				received.Add(1)
			}
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })
		c.On(client.TypeError, func(json.RawMessage) { collector.AddError() })
	})
	fmt.Printf("Connected %d/%d users (%d errors)\n", len(clients), *users, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: Post
	// -----------------------------------------------------------------------
	if !interrupted {
		fmt.Println("\n--- Phase 2: Post ---")
		padding := strings.Repeat("x", *msgSize)
		postCtx, cancel := context.WithTimeout(ctx, *duration)

		var wg sync.WaitGroup
		for i, c := range clients {
			wg.Add(1)
			go func(i int, c *client.Client) {
				defer wg.Done()
				conv := fixtureConversation(i % *conversations)
				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					select {
					case <-postCtx.Done():
						return
					case <-ticker.C:
						now := strconv.FormatInt(time.Now().UnixNano(), 10)
						if err := c.SendChat(conv, now+"|"+padding, now); err != nil {
							collector.AddError()
							return
						}
						sent.Add(1)
					}
				}
			}(i, c)
		}

		progress := time.NewTicker(5 * time.Second)
	progressLoop:
		for {
			select {
			case <-postCtx.Done():
				break progressLoop
			case <-progress.C:
				fmt.Printf("  [post] sent: %d  delivered: %d  errors: %d\n",
					sent.Load(), received.Load(), collector.ErrorCount())
			}
		}
		progress.Stop()
		cancel()
		wg.Wait()

		// Let in-flight deliveries land.
		time.Sleep(2 * time.Second)
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)

	scraper.Stop()
	fmt.Printf("Sent %d messages, %d deliveries observed\n", sent.Load(), received.Load())
	collector.Report()
}
