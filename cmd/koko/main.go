// Command koko is a Kokoro text-to-speech engine: an OpenAI-compatible HTTP
// server, a NATS and MCP front end, and a local synthesis CLI.
//
// Usage:
//
//	koko serve    [-config koko.yaml]
//	koko text     [flags] "Hello world."
//	koko file     [flags] input.txt
//	koko remote   [-url http://localhost:3000/v1] [flags] "Hello world."
//	koko voices   [-config koko.yaml]
//	koko mcp      [-config koko.yaml]
//	koko phonemes [-lang en-us] "Hello world."
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/koko/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"serve", "run the HTTP server (and NATS adapter when enabled)", runServe},
	{"text", "synthesize text given on the command line", runText},
	{"file", "synthesize the contents of a text file", runFile},
	{"remote", "synthesize through a remote OpenAI-compatible server", runRemote},
	{"voices", "list the available voices", runVoices},
	{"mcp", "serve MCP tools over stdio", runMCP},
	{"phonemes", "print phonemes and token ids for text", runPhonemes},
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// A missing .env is normal; anything else is worth a warning.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "koko: load .env: %v\n", err)
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	if args[0] == "version" {
		fmt.Println(version)
		return 0
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "koko: unknown command %q\n\n", args[0])
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		if errors.Is(err, context.Canceled) {
			return 130
		}
		slog.Error("koko "+cmd.name+" failed", "err", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: koko <command> [flags] [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'koko <command> -h' for the flags of a command.")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// logLevel is shared by every handler so the config watcher can change it.
var logLevel = new(slog.LevelVar)

func setupLogger(level config.LogLevel) {
	logLevel.Set(slogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
