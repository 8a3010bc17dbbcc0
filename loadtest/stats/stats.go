// Package stats aggregates load test measurements from many clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	authLatencies     []time.Duration
	ackLatencies      []time.Duration
	deliveryLatencies []time.Duration
	errors            int
	connections       int
	rateLimited       int
	startTime         time.Time
	scraper           *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus scraper whose report is appended to ours.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an established and authenticated connection.
func (c *Collector) AddConnect(connect, auth time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	if auth > 0 {
		c.authLatencies = append(c.authLatencies, auth)
	}
	c.connections++
	c.mu.Unlock()
}

// AddAck records the time from send to message_ack on the sender.
func (c *Collector) AddAck(d time.Duration) {
	c.mu.Lock()
	c.ackLatencies = append(c.ackLatencies, d)
	c.mu.Unlock()
}

// AddDelivery records the time from send to receipt on another member.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatencies = append(c.deliveryLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRateLimited counts a rate_limited reply.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	fmt.Printf("Rate limited: %d\n", c.rateLimited)

	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	sections := []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Auth Latency", c.authLatencies},
		{"Ack Latency", c.ackLatencies},
		{"Delivery Latency", c.deliveryLatencies},
	}
	for _, s := range sections {
		if len(s.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", s.title)
		printPercentiles(s.samples)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	at := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		durations[n/2].Round(time.Microsecond),
		at(0.95).Round(time.Microsecond),
		at(0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
