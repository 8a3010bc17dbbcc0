// Package main is the entry point for the Huddle load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - seed:     Print SQL that creates the users, company and conversations the other commands use
//   - saturate: Connection saturation test, every connection authenticated and idle
//   - chat:     Conversation fan-out test measuring ack and delivery latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

// Fixture naming shared by seed and the load commands.
const (
	fixtureCompany = "loadtest"
)

func fixtureUser(i int) string         { return fmt.Sprintf("lt-user-%05d", i) }
func fixtureConversation(i int) string { return fmt.Sprintf("lt-conv-%04d", i) }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		runSeed(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed        Print fixture SQL (pipe into psql before running the other commands)")
	fmt.Println("  saturate    Connection saturation test: opens N authenticated idle connections")
	fmt.Println("  chat        Fan-out test: users post into shared conversations")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
