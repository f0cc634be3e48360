// lobbytoken mints HS512 bearer tokens for development and testing against a
// local lobbyd. The secret comes from the environment, never from a flag.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lobbyrelay/lobbyrelay/internal/auth"
)

func main() {
	user := flag.String("user", "", "Subject (user id) to mint the token for")
	issuer := flag.String("issuer", "lobbyrelay", "Token issuer claim")
	ttl := flag.Duration("ttl", 15*time.Minute, "Token lifetime")
	secretEnv := flag.String("secret-env", "LOBBY_TOKEN_SECRET", "Environment variable holding the signing secret")
	envFile := flag.String("env-file", "", "Path to a dotenv file (optional)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: lobbytoken -user <id> [-ttl 15m]")
		os.Exit(2)
	}
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	}

	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		fmt.Fprintf(os.Stderr, "secret env %s is empty\n", *secretEnv)
		os.Exit(1)
	}

	token, err := auth.Sign([]byte(secret), *issuer, *user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
