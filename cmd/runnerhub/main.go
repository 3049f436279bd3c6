package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anubissbe/runnerhub/pkg/config"
	"github.com/anubissbe/runnerhub/pkg/coordinator"
	"github.com/anubissbe/runnerhub/pkg/embedded"
	"github.com/anubissbe/runnerhub/pkg/log"
	"github.com/anubissbe/runnerhub/pkg/metrics"
	"github.com/anubissbe/runnerhub/pkg/runtime"
	"github.com/anubissbe/runnerhub/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerhub",
	Short: "runnerhub - CI runner container pool control plane",
	Long: `runnerhub manages a pool of ephemeral CI runner containers: it
keeps the pool warm, scores and reuses idle containers for new jobs,
scales the pool ahead of demand, and watches resource pressure --
all as a single binary talking to containerd.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("runnerhub version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML file")
	rootCmd.PersistentFlags().String("admin-addr", "localhost:9090", "Admin HTTP address (/metrics, /healthz, /statusz)")
	rootCmd.PersistentFlags().String("containerd-socket", "", "containerd socket path (default /run/containerd/containerd.sock)")
	rootCmd.PersistentFlags().Bool("embedded-containerd", false, "Bootstrap and manage an embedded containerd instead of dialing a system one (Linux only)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func defaultTemplate(cfg config.Config) types.Template {
	return types.Template{
		Name:      "default",
		BaseImage: cfg.Container.BaseImage,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: pool manager, scaler, optimizer, monitor, and admin HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		socketPath, _ := cmd.Flags().GetString("containerd-socket")
		useEmbedded, _ := cmd.Flags().GetBool("embedded-containerd")
		if useEmbedded {
			mgr, err := embedded.EnsureContainerd(ctx, cfg.DataDir, false)
			if err != nil {
				return fmt.Errorf("start embedded containerd: %w", err)
			}
			defer mgr.Stop()
			socketPath = mgr.GetSocketPath()
		}

		rt, err := runtime.NewContainerdRuntime(socketPath)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}

		co := coordinator.New(cfg, rt, defaultTemplate(cfg))
		metrics.RegisterComponent("api", true, "running")

		if err := co.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}

		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		srv := newAdminServer(adminAddr, co)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("admin server failed")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		co.Stop(ctx, 15*time.Second)
		return nil
	},
}

// newAdminServer exposes Prometheus metrics, the generic component health
// registry (/health, /ready, /live), and coordinator-specific detail
// (/healthz, /statusz), separate from the control plane's own job surface.
func newAdminServer(addr string, co *coordinator.Coordinator) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := co.Health()
		w.Header().Set("Content-Type", "application/json")
		if !report.Overall {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(co.Status())
	})
	return &http.Server{Addr: addr, Handler: mux}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pool/scaler status from a running instance's admin endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAdminJSON(cmd, "/statusz")
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the component health report from a running instance's admin endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAdminJSON(cmd, "/healthz")
	},
}

func fetchAdminJSON(cmd *cobra.Command, path string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("contact admin endpoint: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
