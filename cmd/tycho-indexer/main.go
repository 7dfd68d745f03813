// Command tycho-indexer runs one extractor end to end: it opens the
// upstream stream (C1), decodes and persists blocks through the
// Extractor (C4) against a Persistence Gateway (C2), fans out the
// decoded stream through the Extractor Runner & Hub (C5), and serves
// both a snapshot HTTP API and the C7 websocket upgrade over the
// running hub.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tycho/internal/api"
	"tycho/internal/extractor"
	"tycho/internal/gateway"
	"tycho/internal/metrics"
	"tycho/internal/model"
	"tycho/internal/rpc"
	"tycho/internal/runner"
	"tycho/internal/stream"
	"tycho/internal/tokens"
	"tycho/pkg/chain"
	"tycho/pkg/config"
	"tycho/pkg/errs"
)

func main() {
	root := &cobra.Command{
		Use:   "tycho-indexer",
		Short: "index one protocol's on-chain state into the Persistence Gateway",
		RunE:  run,
	}
	root.Flags().String("env", "", "environment overlay to merge (TYCHO_ENV if unset)")

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	env, _ := cmd.Flags().GetString("env")
	cfg, err := loadConfig(env)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging.Level)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chn, err := chain.ParseChain(cfg.Extractor.Chain)
	if err != nil {
		return errs.Wrap(errs.Setup, "parse extractor.chain", err)
	}

	gw, closeGateway, err := openGateway(cfg, log)
	if err != nil {
		return err
	}
	defer closeGateway()

	rpcClient, err := rpc.Dial(ctx, cfg.Upstream.RPCEndpoint)
	if err != nil {
		return err
	}
	pre := tokens.NewPreProcessor(rpcClient, cfg.Tokens.MaxRPCInFlight)

	identity := model.ExtractorIdentity{Chain: chn, Name: cfg.Extractor.Name}
	implType := model.Vm
	if cfg.Extractor.Flavor == "native" {
		implType = model.Custom
	}
	catalog := []model.ProtocolType{{
		Name:               cfg.Extractor.ProtocolSystem,
		FinancialType:      model.Swap,
		ImplementationType: implType,
	}}

	base, err := extractor.NewBase(ctx, extractor.Config{
		Identity:       identity,
		Chain:          chn,
		ProtocolSystem: cfg.Extractor.ProtocolSystem,
		Gateway:        gw,
		ChainState:     rpcClient,
		Tokens:         pre,
		Catalog:        catalog,
		Log:            log.WithField("component", "extractor"),
	})
	if err != nil {
		return err
	}

	var ex runner.Extractor
	switch cfg.Extractor.Flavor {
	case "native":
		ex = extractor.NewNativeExtractor(base, extractor.JSONNativeDecoder{})
	default:
		ex = extractor.NewVMExtractor(base, extractor.JSONVMDecoder{})
	}

	streamClient := stream.NewClient(false)
	builder := runner.NewBuilder(cfg.Upstream.PackageFile, streamClient).
		WithEndpoint(cfg.Upstream.Endpoint).
		WithToken(cfg.Upstream.Token).
		WithModuleName(cfg.Upstream.ModuleName).
		WithStartBlock(cfg.Upstream.StartBlock).
		WithEndBlock(cfg.Upstream.EndBlock).
		WithLog(log.WithField("component", "runner"))

	r, handle, err := builder.Build(ctx, ex)
	if err != nil {
		return err
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx) }()

	server := api.NewServer(cfg.API.HTTPAddr, gw, log.WithField("component", "api"))
	server.RegisterHub(cfg.Extractor.Name, handle)
	apiErrCh := make(chan error, 1)
	go func() { apiErrCh <- server.Start() }()

	reg := metrics.New()
	metricsErrCh := make(chan error, 1)
	go func() { metricsErrCh <- metrics.Serve(ctx, cfg.Metrics.Addr, reg) }()

	log.WithFields(logrus.Fields{
		"extractor": identity.String(),
		"api_addr":  cfg.API.HTTPAddr,
	}).Info("tycho-indexer started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-runErrCh:
		if runErr != nil {
			log.WithError(runErr).Error("runner exited")
		}
	case err := <-apiErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("api server exited")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := handle.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop runner")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown api server")
	}

	return runErr
}

func loadConfig(env string) (*config.Config, error) {
	if env == "" {
		return config.LoadFromEnv()
	}
	return config.Load(env)
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return logrus.NewEntry(log)
}

// openGateway prefers the durable Postgres gateway when a DSN is
// configured, falling back to the in-memory gateway for local/dev use.
func openGateway(cfg *config.Config, log *logrus.Entry) (gateway.Gateway, func(), error) {
	if cfg.Storage.PostgresDSN == "" {
		log.Warn("storage.postgres_dsn unset, using in-memory gateway")
		return gateway.NewMemoryGateway(), func() {}, nil
	}
	pg, err := gateway.NewPostgresGateway(cfg.Storage.PostgresDSN, cfg.Storage.TokenCacheSize, log.WithField("component", "gateway"))
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

// exitCode maps an error's errs.Kind to spec.md's CLI exit code
// convention; an unrecognised error (e.g. cobra's own flag parsing
// failures) exits 64, the same as a config error.
func exitCode(err error) int {
	switch {
	case errs.Is(err, errs.Decode):
		return 2
	case errs.Is(err, errs.Storage):
		return 3
	case errs.Is(err, errs.Upstream):
		return 4
	default:
		fmt.Fprintln(os.Stderr, err)
		return 64
	}
}
