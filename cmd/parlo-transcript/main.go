package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/transcript"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'sessions', 'show', or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "sessions":
		cmd := flag.NewFlagSet("sessions", flag.ExitOnError)
		dbPath := cmd.String("db", config.Default().Transcript.Path, "Path to transcript database")
		limit := cmd.Int("limit", 20, "Maximum sessions to list")
		cmd.Parse(os.Args[2:])
		if err := runSessions(*dbPath, *limit); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "show":
		cmd := flag.NewFlagSet("show", flag.ExitOnError)
		dbPath := cmd.String("db", config.Default().Transcript.Path, "Path to transcript database")
		sessionID := cmd.String("session", "", "Session to print")
		limit := cmd.Int("limit", 0, "Maximum messages, 0 for the store default")
		cmd.Parse(os.Args[2:])
		if *sessionID == "" {
			fmt.Fprintln(os.Stderr, "missing -session")
			os.Exit(2)
		}
		if err := runShow(*dbPath, *sessionID, *limit); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// openStore opens the database read-side: persistent mode with retention
// off, so nothing is wiped or pruned out from under a running daemon.
func openStore(path string) (*transcript.Store, error) {
	cfg := config.TranscriptConfig{Path: path, RetentionMode: "persistent"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return transcript.Open(context.Background(), cfg, logger)
}

func runSessions(path string, limit int) error {
	store, err := openStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.RecentSessions(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		state := "open"
		if !s.EndedAt.IsZero() {
			state = "ended " + s.EndedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  started %s  %s  %d messages\n",
			s.SessionID, s.StartedAt.Format(time.RFC3339), state, s.Messages)
	}
	return nil
}

func runShow(path, sessionID string, limit int) error {
	store, err := openStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListSessionMessages(context.Background(), sessionID, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no messages for session %s", sessionID)
	}
	for _, e := range entries {
		fmt.Printf("[%s] %s (%s): %s\n",
			e.CreatedAt.Format("15:04:05"), e.Speaker, e.Kind, e.Body)
	}
	return nil
}
