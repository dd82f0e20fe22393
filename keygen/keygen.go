// Generates token signing keys, issues and validates tokens.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinode/bus/server/auth"
	"github.com/tinode/bus/server/auth/token"
)

func main() {
	var newKey = flag.Bool("keygen", false, "Generate a new signing key")
	var key = flag.String("key", "", "Base64-encoded signing key, as in auth_config.key")
	var serial = flag.Int("serial", 1, "Serial number of tokens, as in auth_config.serial_num")
	var subject = flag.Uint64("subject", 0, "Subject to issue the token for")
	var scope = flag.String("scope", "read", "Comma-separated scopes to grant: read, write, admin")
	var lifetime = flag.Duration("lifetime", 24*time.Hour, "Lifetime of the issued token")
	var tok = flag.String("validate", "", "Token to validate")

	flag.Parse()

	var code int
	switch {
	case *newKey:
		code = generate(os.Stdout)
	case *tok != "":
		code = validate(os.Stdout, *key, *serial, *tok)
	case *subject != 0:
		code = issue(os.Stdout, *key, *serial, *subject, *scope, *lifetime)
	default:
		flag.Usage()
		code = 1
	}
	os.Exit(code)
}

// generate prints a new random signing key.
func generate(out io.Writer) int {
	key := make([]byte, sha256.Size)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintln(out, "Failed to generate key:", err)
		return 1
	}
	fmt.Fprintln(out, "Signing key:", base64.StdEncoding.EncodeToString(key))
	return 0
}

func authenticator(out io.Writer, key string, serial int) *token.Authenticator {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		fmt.Fprintln(out, "Failed to decode key:", err)
		return nil
	}
	// ExpireIn is only used when the lifetime is zero.
	ta, err := token.NewWithConfig(token.Config{Key: raw, SerialNum: serial, ExpireIn: 3600})
	if err != nil {
		fmt.Fprintln(out, err)
		return nil
	}
	return ta
}

// issue prints a new token for the subject.
func issue(out io.Writer, key string, serial int, subject uint64, scopes string, lifetime time.Duration) int {
	ta := authenticator(out, key, serial)
	if ta == nil {
		return 1
	}
	scope, err := auth.ParseScope(scopes)
	if err != nil {
		fmt.Fprintln(out, "Invalid scope:", scopes)
		return 1
	}
	secret, expires, err := ta.GenSecret(&auth.Rec{Subject: subject, Scope: scope, Lifetime: lifetime})
	if err != nil {
		fmt.Fprintln(out, "Failed to issue token:", err)
		return 1
	}
	fmt.Fprintf(out, "Token for %d [%s], expires %s:\n%s\n", subject, scope, expires.Format(time.RFC3339),
		base64.StdEncoding.EncodeToString(secret))
	return 0
}

// validate checks the token and prints its content.
func validate(out io.Writer, key string, serial int, secret string) int {
	ta := authenticator(out, key, serial)
	if ta == nil {
		return 1
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		fmt.Fprintln(out, "INVALID: not base64")
		return 1
	}
	rec, err := ta.Authenticate(raw)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	fmt.Fprintf(out, "Valid: subject %d [%s], expires in %s\n", rec.Subject, rec.Scope, rec.Lifetime.Round(time.Second))
	return 0
}
