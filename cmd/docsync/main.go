package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/auth"
	"github.com/ilnaes/docsync/internal/config"
	"github.com/ilnaes/docsync/internal/crdt"
	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/persist"
	"github.com/ilnaes/docsync/internal/server"
)

const Version = "0.1.0"

const usage = `docsync collaboration server.

Settings come from the environment after loading the .env files given
with --env (default .env).

Usage:
    docsync serve [--env=<file>...] [--addr=<addr>] [--backend=<backend>]
    docsync token <user> <document> [--edit] [--ttl=<ttl>] [--env=<file>...]
    docsync dump <document> [--blocks] [--backend=<backend>] [--env=<file>...]
    docsync -h | --help
    docsync --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --env=<file>         .env file to load, repeatable.
    --addr=<addr>        Listen address, overrides ADDR.
    --backend=<backend>  memory, bolt, mongo, redis or postgres; overrides STORAGE_BACKEND.
    --edit               Mint a token that may edit.
    --ttl=<ttl>          Token lifetime [default: 5m].
    --blocks             Print the block structure as JSON instead of text.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(cfg, log)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(cfg, opts)
	} else if dump_, _ := opts.Bool("dump"); dump_ {
		err = dump(cfg, opts)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("docsync")
	}
}

func loadConfig(opts docopt.Opts) (config.Config, error) {
	files, _ := opts["--env"].([]string)
	cfg, err := config.Load(files...)
	if err != nil {
		return cfg, err
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Addr = addr
	}
	if backend, _ := opts.String("--backend"); backend != "" {
		cfg.StorageBackend = backend
	}
	return cfg, cfg.Validate()
}

func serve(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, cfg, log)
}

// token prints a credential the way the document application mints them,
// for local testing.
func token(cfg config.Config, opts docopt.Opts) error {
	user, _ := opts.String("<user>")
	doc, _ := opts.String("<document>")
	edit, _ := opts.Bool("--edit")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("--ttl: %w", err)
	}

	tok, err := auth.Sign([]byte(cfg.Secret), auth.Identity{UserID: user, DocumentID: doc, CanEdit: edit}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func dump(cfg config.Config, opts docopt.Opts) error {
	doc, _ := opts.String("<document>")
	blocks, _ := opts.Bool("--blocks")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	backend, err := persist.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close(ctx)

	data, err := backend.Load(ctx, doc)
	if err != nil {
		return err
	}
	d, err := crdt.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	if blocks {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d.Blocks())
	}
	fmt.Println(d.Text())
	return nil
}
