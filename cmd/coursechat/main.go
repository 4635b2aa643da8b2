// Terminal client for the course chat API.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/coursechat/internal/client"
	"github.com/ashureev/coursechat/internal/config"
	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/export"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/reconcile"
	"github.com/ashureev/coursechat/internal/store"
)

const devTokenTTL = 12 * time.Hour

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	apiURL := flag.String("api", cfg.APIURL, "course chat API base URL")
	token := flag.String("token", cfg.Token, "bearer token (defaults to COURSECHAT_TOKEN)")
	user := flag.String("user", "local-user", "user id for tokens minted from AUTH_HS256_SECRET")
	local := flag.String("local", "", "offline mode: keep history in this SQLite file and call the LLM directly")
	verbose := flag.Bool("v", false, "debug logging to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mint := func(userID string) (string, error) {
		if cfg.HS256Secret == "" {
			return "", fmt.Errorf("AUTH_HS256_SECRET is not set; pass a token instead")
		}
		return identity.IssueHS256(cfg.HS256Secret, userID, "", devTokenTTL)
	}

	in := bufio.NewReader(os.Stdin)
	var (
		hs      reconcile.HistoryStore
		gen     reconcile.Generator
		exp     reconcile.Exporter
		watcher Watcher
	)
	if *local != "" {
		repo, verifier, err := openLocal(*local, cfg.HS256Secret)
		if err != nil {
			fmt.Fprintf(os.Stderr, "offline store: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = repo.Close() }()
		hs = reconcile.NewLocalStore(repo, verifier)
		gen = course.NewOpenAIGenerator(course.Config{
			APIKey:  os.Getenv("LLM_API_KEY"),
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Model:   os.Getenv("LLM_MODEL"),
			Timeout: cfg.Timeout,
		}, logger)
		exp = reconcile.DocumentExporter{Render: export.NewPDFRenderer()}
	} else {
		c := client.New(*apiURL, cfg.Timeout, logger)
		hs, gen, exp, watcher = c, c, c, c
	}

	repl := NewREPL(in, os.Stdout, watcher, mint, logger)
	repl.Attach(reconcile.New(hs, gen, exp,
		reconcile.WithConfirmer(reconcile.ConfirmFunc(repl.Confirm)),
		reconcile.WithLogger(logger),
	))

	tok := *token
	if tok == "" && cfg.HS256Secret != "" {
		if tok, err = mint(*user); err != nil {
			fmt.Fprintf(os.Stderr, "mint token: %v\n", err)
			os.Exit(1)
		}
	}
	if err := repl.Run(ctx, tok); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openLocal(path, secret string) (store.Repository, identity.Verifier, error) {
	if secret == "" {
		return nil, nil, fmt.Errorf("AUTH_HS256_SECRET is required in offline mode")
	}
	verifier, err := identity.NewHS256Verifier(secret)
	if err != nil {
		return nil, nil, err
	}
	repo, err := store.NewSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return repo, verifier, nil
}
