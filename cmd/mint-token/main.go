// Package main mints identity tokens for local development. In production the
// chat host signs tokens with the shared secret; this tool signs one with the
// same LGW_JWT_SECRET so the API can be exercised with curl.
//
//	mint-token <user-id> [role,role...] [ttl]
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <user-id> [role,role...] [ttl]\n", os.Args[0])
		os.Exit(2)
	}

	var roles []string
	if len(os.Args) > 2 && os.Args[2] != "" {
		roles = strings.Split(os.Args[2], ",")
	}

	ttl := time.Hour
	if len(os.Args) > 3 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid ttl %q: %v\n", os.Args[3], err)
			os.Exit(2)
		}
		ttl = d
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	token, err := auth.GenerateJWT(os.Args[1], roles, os.Getenv("LGW_AUTH_ISSUER"), ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
