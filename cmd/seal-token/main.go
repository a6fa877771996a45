// Package main provides a CLI tool that seals a Slack bot token for SLACK_TOKEN_SEALED.
//
// The token is read from SLACK_TOKEN (or stdin with --stdin) and encrypted with
// AES-256-GCM under ENCRYPTION_KEY. The sealed value is printed on stdout.
//
// Usage:
//
//	seal-token [--stdin] [--verify]
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	SLACK_TOKEN=xoxb-... ./seal-token --verify
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/onnwee/sameroom/crypto"
)

func main() {
	fromStdin := flag.Bool("stdin", false, "read the token from stdin instead of SLACK_TOKEN")
	verify := flag.Bool("verify", false, "open the sealed value again before printing it")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	token := os.Getenv("SLACK_TOKEN")
	if *fromStdin {
		var err error
		if token, err = readToken(os.Stdin); err != nil {
			slog.Error("failed to read token from stdin", slog.Any("err", err))
			os.Exit(1)
		}
	}

	sealed, err := seal(os.Getenv("ENCRYPTION_KEY"), token, *verify)
	if err != nil {
		slog.Error("seal failed", slog.Any("err", err))
		os.Exit(1)
	}
	fmt.Println(sealed)
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// seal encrypts token under key and, when verify is set, checks that it opens
// back to the same token.
func seal(key, token string, verify bool) (string, error) {
	if key == "" {
		return "", fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}
	if token == "" {
		return "", fmt.Errorf("no token given: set SLACK_TOKEN or pass --stdin")
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return "", fmt.Errorf("initialize encryptor: %w", err)
	}
	sealed, err := crypto.SealToken(enc, token)
	if err != nil {
		return "", err
	}
	if verify {
		opened, err := crypto.OpenToken(enc, sealed)
		if err != nil {
			return "", fmt.Errorf("verify: %w", err)
		}
		if opened != token {
			return "", fmt.Errorf("verify: sealed token does not round trip")
		}
	}
	return sealed, nil
}
