package main

import (
	"flag"
	"fmt"
	"strings"
)

// runSeed prints idempotent SQL for the load test fixtures: one company,
// N users who are all members of it, and C conversations. User i joins
// conversation i mod C.
func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	users := fs.Int("users", 1000, "Number of fixture users")
	conversations := fs.Int("conversations", 50, "Number of fixture conversations")
	fs.Parse(args)

	if *users <= 0 || *conversations <= 0 {
		fmt.Println("-- nothing to seed")
		return
	}

	var b strings.Builder
	b.WriteString("BEGIN;\n")
	fmt.Fprintf(&b, "INSERT INTO companies (id, name) VALUES ('%s', 'Load Test') ON CONFLICT DO NOTHING;\n", fixtureCompany)

	for c := 0; c < *conversations; c++ {
		fmt.Fprintf(&b, "INSERT INTO conversations (id, company_id, title) VALUES ('%s', '%s', 'load %d') ON CONFLICT DO NOTHING;\n",
			fixtureConversation(c), fixtureCompany, c)
	}
	for i := 0; i < *users; i++ {
		u := fixtureUser(i)
		fmt.Fprintf(&b, "INSERT INTO users (id, display_name) VALUES ('%s', '%s') ON CONFLICT DO NOTHING;\n", u, u)
		fmt.Fprintf(&b, "INSERT INTO company_members (company_id, user_id) VALUES ('%s', '%s') ON CONFLICT DO NOTHING;\n", fixtureCompany, u)
		fmt.Fprintf(&b, "INSERT INTO conversation_members (conversation_id, user_id) VALUES ('%s', '%s') ON CONFLICT DO NOTHING;\n",
			fixtureConversation(i%*conversations), u)
	}
	b.WriteString("COMMIT;\n")
	fmt.Print(b.String())
}
