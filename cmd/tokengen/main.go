// Command tokengen mints bearer tokens for operators and integration
// clients outside development, where /v1/auth/dev-token is not mounted.
//
// Usage:
//
//	JWT_SECRET=... go run ./cmd/tokengen <user-id> [user|admin]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mbd888/tradeguard/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: tokengen <user-id> [user|admin]")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}

	role := auth.RoleUser
	if len(os.Args) > 2 {
		role = auth.Role(os.Args[2])
	}
	if role != auth.RoleUser && role != auth.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(1)
	}

	mgr := auth.NewManager(secret)
	if ttl := os.Getenv("TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid TOKEN_TTL: %v\n", err)
			os.Exit(1)
		}
		mgr = mgr.WithTTL(d)
	}

	token, err := mgr.Issue(os.Args[1], role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
