package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huddle/chat-app/loadtest/client"
	"github.com/huddle/chat-app/loadtest/stats"
)

// rampConfig controls how fixture users are brought online.
type rampConfig struct {
	url         string
	secret      string
	users       int // distinct fixture users; connection i logs in as user i mod users
	connections int
	rampUp      time.Duration
	concurrency int
}

// rampUp opens cfg.connections authenticated connections spread evenly over
// cfg.rampUp. setup runs after dial and before authentication completes, so
// handlers registered there see every frame after the greeting. It returns
// the connections keyed by their index, and whether ctx was cancelled first.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector, setup func(i int, c *client.Client)) (map[int]*client.Client, bool) {
	interval := cfg.rampUp / time.Duration(cfg.connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make(map[int]*client.Client, cfg.connections)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, cfg.concurrency)
	)

	stopProgress := reportProgress(collector, cfg.connections)
	defer stopProgress()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < cfg.connections; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients, true
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			token, err := client.Token(cfg.secret, fixtureUser(i%cfg.users), time.Hour)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := client.New(connCtx, cfg.url, token, fixtureCompany)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(i, c)
			}
			if err := c.WaitForAuth(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency, m.AuthLatency)
			mu.Lock()
			clients[i] = c
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return clients, false
}

// reportProgress prints the connection rate once a second until stopped.
func reportProgress(collector *stats.Collector, target int) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, target, collector.ErrorCount(), rate)
				last, lastAt = n, now
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func closeAll(clients map[int]*client.Client) {
	for _, c := range clients {
		c.Close()
	}
}
