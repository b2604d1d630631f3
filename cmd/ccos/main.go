package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/capabilities"
	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/pkg/config"
	"github.com/Mindburn-Labs/ccos/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/pkg/observability"
	"github.com/Mindburn-Labs/ccos/pkg/store/chainstore"
	"github.com/Mindburn-Labs/ccos/pkg/throttle"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	switch args[1] {
	case "verify":
		return runVerifyCmd(cfg, args[2:], stdout, stderr)
	case "capabilities", "caps":
		return runCapabilitiesCmd(cfg, args[2:], stdout, stderr)
	case "exec":
		return runExecCmd(cfg, args[2:], stdout, stderr)
	case "export":
		return runExportCmd(cfg, args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(cfg, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  ccos <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  verify        Verify ledger integrity (--json)")
	_, _ = fmt.Fprintln(w, "  capabilities  List the capability catalog (--namespace, --json)")
	_, _ = fmt.Fprintln(w, "  exec          Execute a capability (--id, --args, --plan, --intent)")
	_, _ = fmt.Fprintln(w, "  export        Export ledger actions (--plan, --intent, --verify)")
	_, _ = fmt.Fprintln(w, "  health        Check ledger, sandbox and export backends")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from CCOS_* environment variables.")
}

// node is one process's wiring of the ledger, registry and marketplace.
type node struct {
	cfg      *config.Config
	signer   causalchain.Signer
	store    causalchain.Store
	chain    *causalchain.CausalChain
	market   *marketplace.Marketplace
	restored int
	closers  []func(context.Context) error
}

func (n *node) Close(ctx context.Context) {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			slog.Default().WarnContext(ctx, "shutdown", "error", err)
		}
	}
}

// openNode restores the ledger from the configured store. The marketplace
// is only built when withMarket is set.
func openNode(ctx context.Context, cfg *config.Config, withMarket bool) (*node, error) {
	n := &node{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			n.Close(ctx)
		}
	}()

	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	n.signer = signer

	store, err := chainstore.Open(ctx, cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	n.store = store
	n.closers = append(n.closers, func(context.Context) error { return store.Close() })

	n.chain = causalchain.New(signer).WithStore(store)
	if n.restored, err = n.chain.Restore(ctx); err != nil {
		return nil, err
	}

	if withMarket {
		if err := n.buildMarketplace(ctx); err != nil {
			return nil, err
		}
	}
	ok = true
	return n, nil
}

func newSigner(cfg *config.Config) (causalchain.Signer, error) {
	if cfg.SigningSecret != "" {
		return causalchain.NewKeyedHashSigner([]byte(cfg.SigningSecret), nil)
	}
	if cfg.LedgerDriver != "" && cfg.LedgerDriver != "memory" {
		return nil, errors.New("CCOS_SIGNING_SECRET is required for a durable ledger")
	}
	return causalchain.NewRandomKeyedHashSigner()
}

func (n *node) buildMarketplace(ctx context.Context) error {
	cfg := n.cfg

	registry := capabilities.NewRegistry(nil)
	if cfg.MicroVMProvider != "" {
		if err := registry.SetMicroVMProvider(ctx, cfg.MicroVMProvider); err != nil {
			return fmt.Errorf("microvm provider: %w", err)
		}
	}
	n.closers = append(n.closers, registry.Close)

	m := marketplace.New(registry).WithSLOTracker(observability.NewSLOTracker())

	if cfg.OTelEnabled {
		otelCfg := observability.DefaultConfig()
		if cfg.OTLPEndpoint != "" {
			otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		otelCfg.Insecure = strings.HasPrefix(otelCfg.OTLPEndpoint, "localhost")
		p, err := observability.New(ctx, otelCfg)
		if err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		n.closers = append(n.closers, p.Shutdown)
		m.WithObservability(p)
	}

	if cfg.RedisAddr != "" {
		client := throttle.NewRedisClient(cfg.RedisAddr, os.Getenv("CCOS_REDIS_PASSWORD"), 0)
		n.closers = append(n.closers, func(context.Context) error { return client.Close() })
		m.WithGate(throttle.NewRedisGate(client, time.Minute)).
			WithRateLimiter(throttle.NewRedisRateLimiter(client))
	}

	if cfg.PolicyFile != "" {
		policy, err := config.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		m.SetIsolationPolicy(policy)
	}

	if err := m.RegisterDefaults(ctx); err != nil {
		return err
	}
	if cfg.CatalogFile != "" {
		m.AddDiscoveryAgent(marketplace.NewStaticDiscovery(cfg.CatalogFile))
	}
	if err := m.Bootstrap(ctx); err != nil {
		return err
	}

	// Catalog loading happens on every start, so only calls are ledgered.
	m.WithCausalChain(n.chain)
	n.market = m
	return nil
}

func runHealthCmd(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			_, _ = fmt.Fprintf(stdout, "%-10s FAIL %v\n", name, err)
			return
		}
		_, _ = fmt.Fprintf(stdout, "%-10s OK\n", name)
	}

	n, err := openNode(ctx, cfg, true)
	check("ledger", err)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Health check failed")
		return 1
	}
	defer n.Close(ctx)

	_, verr := n.chain.VerifyAndSummarize()
	check("integrity", verr)

	name, ok := n.market.Registry().MicroVMProvider()
	if !ok {
		check("microvm", errors.New("no provider selected"))
	} else {
		check("microvm", nil)
		_, _ = fmt.Fprintf(stdout, "           provider=%s\n", name)
	}

	if hasExportBackend(cfg) {
		_, err := openExportStore(ctx, cfg)
		check("export", err)
	}

	if failed {
		_, _ = fmt.Fprintln(stderr, "Health check failed")
		return 1
	}
	return 0
}
