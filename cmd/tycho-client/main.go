// Command tycho-client dials one or more tycho-indexer websocket
// endpoints, subscribes to the configured extractor on each, and
// aligns their feeds into one merged per-block FeedMessage through the
// Block Synchronizer (C6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tycho/internal/model"
	"tycho/internal/synchronizer"
	"tycho/internal/transport"
	"tycho/pkg/chain"
	"tycho/pkg/config"
	"tycho/pkg/errs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func run() error {
	env := os.Getenv("TYCHO_ENV")
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return errs.Wrap(errs.Setup, "build logger", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(cfg.Client.Servers) == 0 {
		return errs.New(errs.Setup, "client.servers is empty")
	}
	chn, err := chain.ParseChain(cfg.Extractor.Chain)
	if err != nil {
		return errs.Wrap(errs.Setup, "parse extractor.chain", err)
	}
	identity := model.ExtractorIdentity{Chain: chn, Name: cfg.Extractor.Name}

	sync := synchronizer.New(cfg.Client.BlockTime, cfg.Client.Timeout, log)

	for _, server := range cfg.Client.Servers {
		conn, err := transport.Dial(ctx, server, nil)
		if err != nil {
			return err
		}

		messages, err := conn.Subscribe(cfg.Extractor.Name)
		if err != nil {
			return err
		}
		go func(c *transport.Conn) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("connection run loop exited", zap.Error(err))
			}
		}(conn)

		sync.Register(synchronizer.NewProtocolStateSynchronizer(identity, synchronizer.FilterByMinimumTVL(0), messages))
		log.Info("subscribed", zap.String("server", server), zap.String("extractor", identity.String()))
	}

	blockNumber := uint64(0)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return nil
		default:
		}

		feed, err := sync.Tick(ctx, blockNumber)
		if err != nil {
			return errs.Wrap(errs.Upstream, "synchronizer tick", err)
		}
		for id, status := range feed.ByExtractor {
			log.Info("feed tick",
				zap.Uint64("block", feed.Block),
				zap.String("extractor", id.String()),
				zap.String("status", status.Status.String()),
			)
		}
		blockNumber++
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

// exitCode mirrors tycho-indexer's errs.Kind -> exit code mapping.
func exitCode(err error) int {
	switch {
	case errs.Is(err, errs.Decode):
		return 2
	case errs.Is(err, errs.Storage):
		return 3
	case errs.Is(err, errs.Upstream):
		return 4
	default:
		return 64
	}
}
