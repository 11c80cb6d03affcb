package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sentrygate/sentrygate/internal/admission"
	"github.com/sentrygate/sentrygate/internal/identity"
	"github.com/sentrygate/sentrygate/internal/ledger"
	"github.com/sentrygate/sentrygate/internal/policy"
	"github.com/sentrygate/sentrygate/internal/relay"
	"github.com/sentrygate/sentrygate/internal/risk"
	"github.com/sentrygate/sentrygate/internal/sconfig"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var server string
	var transport string
	var listenAddr string
	var upstream string
	var command string
	var commandArgs []string
	var requireAuth bool
	var globalRPM, burst int
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mediation relay for one tool server",
		Long:  "Starts the decision core bound to a single tool server and exposes it over either the line-delimited stdio transport (spawning a child process) or the HTTP transport (forwarding to an upstream URL).",
		Example: `  sentrygate serve --server builder-mcp --transport http --listen :8787 --upstream http://127.0.0.1:9000
  sentrygate serve --server builder-mcp --transport stdio --command ./mcp-server --arg=--flag`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			switch logLevel {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			layout, err := sconfig.Resolve(dataDirFlag)
			if err != nil {
				return err
			}
			if err := layout.EnsureDirs(); err != nil {
				return err
			}

			pol, err := policy.Load(layout.PolicyPath())
			if err != nil {
				return fmt.Errorf("loading policy: %w", err)
			}
			eval, err := policy.Compile(pol)
			if err != nil {
				return fmt.Errorf("compiling policy: %w", err)
			}

			kp, err := loadOrCreateKeypair(layout)
			if err != nil {
				return fmt.Errorf("loading signing keypair: %w", err)
			}

			ledgerStore, err := ledger.NewStore(layout.LedgerDBPath())
			if err != nil {
				return fmt.Errorf("opening ledger: %w", err)
			}
			defer func() { _ = ledgerStore.Close() }()

			auditLogger, err := ledger.NewLogger(ledgerStore, kp.PrivateKey, kp.PublicKey, eval.Hash())
			if err != nil {
				return fmt.Errorf("creating audit logger: %w", err)
			}

			behaviorStore, err := risk.NewSQLiteBehaviorStore(layout.BehaviorDBPath())
			if err != nil {
				return fmt.Errorf("opening behavior store: %w", err)
			}
			defer func() { _ = behaviorStore.Close() }()

			riskThresholds := risk.Thresholds{}
			if pol.RateLimit != nil {
				globalRPM, burst = pol.RateLimit.RPM, pol.RateLimit.Burst
			}
			riskEngine, err := risk.NewEngine(nil, riskThresholds, behaviorStore, 0)
			if err != nil {
				return fmt.Errorf("creating risk engine: %w", err)
			}

			core := &relay.Core{
				Server: server,
				Policy: eval,
				Risk:   riskEngine,
				Ledger: auditLogger,
				Logger: logger,
				NowMs:  func() int64 { return time.Now().UnixMilli() },
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch transport {
			case "stdio":
				if command == "" {
					return fmt.Errorf("--command is required for the stdio transport")
				}
				logger.Info("starting stdio relay", "server", server, "command", command)
				return relay.NewStdioRelay(core).Run(ctx, command, commandArgs)

			case "http":
				if upstream == "" {
					return fmt.Errorf("--upstream is required for the http transport")
				}
				authStore, err := admission.NewStore(layout.AuthDBPath())
				if err != nil {
					return fmt.Errorf("opening auth store: %w", err)
				}
				defer func() { _ = authStore.Close() }()

				limiter := admission.NewLimiter(globalRPM, burst)
				httpRelay := relay.NewHTTPRelay(core, upstream, authStore, limiter, requireAuth)

				srv := &http.Server{Addr: listenAddr, Handler: httpRelay}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()

				logger.Info("starting http relay", "server", server, "listen", listenAddr, "upstream", upstream)
				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				}

			default:
				return fmt.Errorf("unknown transport %q: want stdio or http", transport)
			}
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server name this relay instance decides policy for")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "transport: stdio or http")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8787", "listen address for the http transport")
	cmd.Flags().StringVar(&upstream, "upstream", "", "upstream URL for the http transport")
	cmd.Flags().StringVar(&command, "command", "", "child process to spawn for the stdio transport")
	cmd.Flags().StringSliceVar(&commandArgs, "arg", nil, "argument(s) for --command")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject http requests without a valid bearer credential")
	cmd.Flags().IntVar(&globalRPM, "rpm", 60, "global requests-per-minute cap (overridden by policy.rate_limit if set)")
	cmd.Flags().IntVar(&burst, "burst", 0, "burst allowance added to the rpm cap")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

// loadOrCreateKeypair loads the operator's signing keypair. A fresh
// keypair is generated only when no key file exists yet at all; an
// existing key file that cannot be loaded (wrong or missing passphrase,
// corrupt envelope) is a fatal error, never a trigger to overwrite it.
func loadOrCreateKeypair(layout *sconfig.Layout) (*identity.Keypair, error) {
	dir := layout.KeysDir()
	passphrase := sconfig.KeyPassphrase()
	privPath := filepath.Join(dir, sconfig.KeyName+".key")

	data, err := os.ReadFile(privPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading signing key %s: %w", privPath, err)
		}
		generated, err := identity.GenerateKeypair(sconfig.KeyName)
		if err != nil {
			return nil, err
		}
		if err := generated.Save(dir); err != nil {
			return nil, err
		}
		return generated, nil
	}

	if identity.LooksEncrypted(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("signing key %s is encrypted but %s is not set; refusing to generate a replacement key", privPath, sconfig.EnvKeyPassphrase)
		}
		priv, err := identity.LoadEncrypted(privPath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypting signing key %s: %w", privPath, err)
		}
		pub, err := identity.LoadPublicKey(dir, sconfig.KeyName)
		if err != nil {
			return nil, fmt.Errorf("loading public key: %w", err)
		}
		return &identity.Keypair{Name: sconfig.KeyName, PublicKey: pub, PrivateKey: priv}, nil
	}

	kp, err := identity.LoadKeypair(dir, sconfig.KeyName)
	if err != nil {
		return nil, fmt.Errorf("loading signing key %s: %w", privPath, err)
	}
	return kp, nil
}
