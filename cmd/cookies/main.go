package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/blackmichael/feed-mirror/internal/twitter"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		in  string
		out string
	)

	flag.StringVar(&in, "in", "-", "Browser cookie export (JSON list), or - for stdin")
	flag.StringVar(&out, "out", envOrDefault("X_SESSION_FILE", "session.json"), "Session file to write")
	flag.Parse()

	var (
		data []byte
		err  error
	)
	if in == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(in)
	}
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}

	session, err := twitter.ParseSession(data)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(out, append(encoded, '\n'), 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if session.CSRFToken() == "" {
		fmt.Println("Warning: no ct0 cookie found; requests will be sent without a CSRF token")
	}
	fmt.Printf("Wrote %d cookies to %s\n", len(session), out)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
