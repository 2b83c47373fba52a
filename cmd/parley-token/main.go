// Command parley-token mints a signed access token for a user id.
// Tokens are verified by the server with the same base64 encoded secret.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/putto11262002/parley/core"
	flag "github.com/spf13/pflag"
)

func main() {
	user := flag.StringP("user", "u", "", "user id to put in the token subject")
	secret := flag.StringP("secret", "s", os.Getenv("AUTH_SECRET"), "base64 encoded signing secret (default $AUTH_SECRET)")
	ttl := flag.Duration("ttl", 24*time.Hour, "how long the token is valid")
	flag.Parse()

	if *user == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}

	key, err := base64.StdEncoding.DecodeString(*secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid secret: %v\n", err)
		os.Exit(1)
	}

	token, exp, err := core.NewToken(*user, *ttl, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", exp.Format(time.RFC3339))
}
