// Package main is a standalone end-to-end check of a running Huddle node. It
// walks through health, authentication, message delivery, presence and rate
// limiting using the fixtures printed by `loadtest seed`.
//
// Usage:
//
//	go run ./cmd/e2etest/ -secret <JWT_SECRET> [-url ws://localhost:8080/ws] [-api http://localhost:8080]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/huddle/chat-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// Two seeded users that share lt-conv-0000 when seeded with 50 conversations.
const (
	company      = "loadtest"
	alice        = "lt-user-00000"
	bob          = "lt-user-00050"
	conversation = "lt-conv-0000"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	secret := flag.String("secret", "", "JWT_SECRET of the server under test")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "-secret is required")
		os.Exit(2)
	}

	fmt.Println("=== Huddle E2E Check ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(ctx, *apiBase),
		scenarioRejectedCredential(ctx, *wsURL),
	}
	results = append(results, scenarioConversation(ctx, *wsURL, *secret)...)
	results = append(results, scenarioRateLimit(ctx, *wsURL, *secret))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Health and metrics endpoints"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &health); err != nil || health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health body %q", body)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "huddle_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing huddle_connections_total"}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", health.Connections)}
}

func scenarioRejectedCredential(ctx context.Context, wsURL string) scenarioResult {
	name := "Rejected credential keeps the connection open"

	token, _ := client.Token("not-the-secret", alice, time.Minute)
	c, err := client.New(ctx, wsURL, token, company)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = c.WaitForAuth(waitCtx)
	if err == nil || !strings.Contains(err.Error(), "auth_error") {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected auth_error, got %v", err)}
	}

	pong := waitFor(c, client.TypePong)
	if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ping: %v", err)}
	}
	if _, err := receive(ctx, pong); err != nil {
		return scenarioResult{name, resultFail, "no pong after auth_error"}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenarioConversation covers authentication, delivery, ack, typing and the
// offline transition with two users sharing a conversation.
func scenarioConversation(ctx context.Context, wsURL, secret string) []scenarioResult {
	authName := "Authenticate broadcasts online presence"
	msgName := "Message delivered to member and acked to sender"
	typingName := "Typing relayed to other member"
	offlineName := "Offline transition on last disconnect"

	fail := func(detail string) []scenarioResult {
		return []scenarioResult{
			{authName, resultFail, detail},
			{msgName, resultFail, "skipped"},
			{typingName, resultFail, "skipped"},
			{offlineName, resultFail, "skipped"},
		}
	}

	a, err := connect(ctx, wsURL, secret, alice)
	if err != nil {
		return fail(fmt.Sprintf("alice: %v", err))
	}
	defer a.Close()

	online := waitFor(a, client.TypePresenceChanged)
	b, err := connect(ctx, wsURL, secret, bob)
	if err != nil {
		return fail(fmt.Sprintf("bob: %v", err))
	}
	defer b.Close()

	var results []scenarioResult
	if _, err := receive(ctx, online); err != nil {
		results = append(results, scenarioResult{authName, resultFail, "alice saw no presence_changed for bob"})
	} else {
		results = append(results, scenarioResult{authName, resultPass,
			fmt.Sprintf("auth=%s", b.GetMetrics().AuthLatency.Round(time.Microsecond))})
	}

	// Message.
	ack := waitFor(a, client.TypeMessageAck)
	delivered := waitFor(b, client.TypeMessage)
	if err := a.SendChat(conversation, "hello from e2e", "e2e-1"); err != nil {
		results = append(results, scenarioResult{msgName, resultFail, err.Error()})
	} else if _, err := receive(ctx, ack); err != nil {
		results = append(results, scenarioResult{msgName, resultFail, "no message_ack"})
	} else if raw, err := receive(ctx, delivered); err != nil {
		results = append(results, scenarioResult{msgName, resultFail, "bob did not receive message"})
	} else if !strings.Contains(string(raw), "hello from e2e") {
		results = append(results, scenarioResult{msgName, resultFail, "unexpected body"})
	} else {
		results = append(results, scenarioResult{msgName, resultPass, ""})
	}

	// Typing.
	typing := waitFor(b, "typing")
	_ = a.Send(map[string]interface{}{"type": client.TypeTyping, "conversation_id": conversation, "is_typing": true})
	if _, err := receive(ctx, typing); err != nil {
		results = append(results, scenarioResult{typingName, resultFail, "bob saw no typing frame"})
	} else {
		results = append(results, scenarioResult{typingName, resultPass, ""})
	}

	// Offline.
	offline := make(chan json.RawMessage, 1)
	a.On(client.TypePresenceChanged, func(raw json.RawMessage) {
		var ev struct {
			UserID   string `json:"user_id"`
			IsOnline bool   `json:"is_online"`
		}
		if json.Unmarshal(raw, &ev) == nil && ev.UserID == bob && !ev.IsOnline {
			select {
			case offline <- raw:
			default:
			}
		}
	})
	b.Close()
	if _, err := receive(ctx, offline); err != nil {
		results = append(results, scenarioResult{offlineName, resultFail, "alice saw no offline transition"})
	} else {
		results = append(results, scenarioResult{offlineName, resultPass, ""})
	}
	return results
}

func scenarioRateLimit(ctx context.Context, wsURL, secret string) scenarioResult {
	name := "Rate limiting on send (optional)"

	c, err := connect(ctx, wsURL, secret, alice)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	limited := waitFor(c, client.TypeRateLimited)
	for i := 0; i < 40; i++ {
		_ = c.SendChat(conversation, fmt.Sprintf("burst %d", i), "")
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := receive(waitCtx, limited); err != nil {
		return scenarioResult{name, resultInfo, "no rate_limited frame (limiter disabled?)"}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func connect(ctx context.Context, wsURL, secret, userID string) (*client.Client, error) {
	token, err := client.Token(secret, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	c, err := client.New(ctx, wsURL, token, company)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.WaitForAuth(waitCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// waitFor returns a channel that receives the next frame of msgType.
func waitFor(c *client.Client, msgType string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ch <- raw:
		default:
		}
	})
	return ch
}

func receive(ctx context.Context, ch <-chan json.RawMessage) (json.RawMessage, error) {
	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case raw := <-ch:
		return raw, nil
	case <-t.C:
		return nil, fmt.Errorf("timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
