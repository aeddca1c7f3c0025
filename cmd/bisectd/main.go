package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobrenjc93/bisect/internal/bisect"
	"github.com/bobrenjc93/bisect/internal/cli"
	"github.com/bobrenjc93/bisect/internal/config"
	"github.com/bobrenjc93/bisect/internal/crypto"
	"github.com/bobrenjc93/bisect/internal/forge"
	"github.com/bobrenjc93/bisect/internal/httpapi"
	"github.com/bobrenjc93/bisect/internal/ingress"
	"github.com/bobrenjc93/bisect/internal/sandbox"
	"github.com/bobrenjc93/bisect/internal/scheduler"
	"github.com/bobrenjc93/bisect/internal/store"
	"github.com/bobrenjc93/bisect/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bisectd",
		Short:   "distributed git-bisect webhook service",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd(), runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run one fungible bisectd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file; environment variables always win")
	return cmd
}

func runCmd() *cobra.Command {
	var bareMetal bool
	var image string
	var workDir string
	c := &cobra.Command{
		Use:   "run <good_sha> <bad_sha> <test_command>",
		Short: "replay a bisect locally against a checked-out repo, bypassing ingress and the store",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := cli.Run(cli.RunOptions{
				GoodSHA:     args[0],
				BadSHA:      args[1],
				TestCommand: strings.Join(args[2:], " "),
				WorkDir:     workDir,
				BareMetal:   bareMetal,
				Image:       image,
			})
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&bareMetal, "bare-metal", false, "run the test command as a plain subprocess instead of in a container")
	c.Flags().StringVar(&image, "image", "", "container image to run the test command in")
	c.Flags().StringVar(&workDir, "workdir", "", "repo checkout to bisect; defaults to the current directory")
	return c
}

// runServe wires every component together and runs until an interrupt or
// terminate signal arrives, at which point the scheduler is given a
// chance to let in-flight jobs release their claims before the process
// exits.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keyPEM, err := os.ReadFile(cfg.ForgePrivateKeyPath)
	if err != nil {
		return fmt.Errorf("read forge private key: %w", err)
	}
	gh, err := forge.NewGitHub(cfg.ForgeAppID, keyPEM)
	if err != nil {
		return fmt.Errorf("init forge client: %w", err)
	}
	if cfg.EncryptionKey != "" {
		cipher, err := crypto.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("init token cipher: %w", err)
		}
		gh.Cipher = cipher
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := sandbox.Select(ctx, cfg.SandboxImage, cfg.SandboxBareMetal)

	workspaceRoot, err := os.MkdirTemp("", "bisectd-workspace-*")
	if err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	defer os.RemoveAll(workspaceRoot)

	executor := &bisect.Executor{
		Store:         st,
		Forge:         gh,
		Runner:        runner,
		WorkspaceRoot: workspaceRoot,
		Log:           log,
	}

	sched := &scheduler.Scheduler{
		Store:           st,
		Executor:        executor,
		Log:             log,
		WorkerID:        scheduler.NewWorkerID(),
		Concurrency:     cfg.MaxConcurrentJobs,
		JobBudget:       cfg.BisectTimeout.Duration(),
		PollInterval:    cfg.PollInterval.Duration(),
		HeartbeatPeriod: cfg.HeartbeatPeriod.Duration(),
		PendingGrace:    cfg.PendingGrace.Duration(),
		HeartbeatStale:  cfg.HeartbeatStale.Duration(),
	}

	ingressHandler := &ingress.Handler{
		Store:         st,
		Forge:         gh,
		WebhookSecret: cfg.ForgeWebhookSecret,
		Log:           log,
	}

	apiHandler := &httpapi.Handler{
		Store:    st,
		Sandbox:  runner,
		Log:      log,
		Version:  version.Version,
		WorkerID: sched.WorkerID,
	}

	mux := http.NewServeMux()
	mux.Handle("/webhook", ingressHandler)
	mux.Handle("/health", apiHandler)
	mux.Handle("/stats", apiHandler)
	mux.Handle("/job/", apiHandler)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 2)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		log.Info("scheduler starting", "worker_id", sched.WorkerID, "concurrency", cfg.MaxConcurrentJobs)
		if err := sched.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}
	<-schedDone

	return nil
}

// openStore picks the backend by DSN scheme: a bare path or a
// "sqlite://" prefix opens SQLiteStore, anything starting with
// "postgres://" opens PostgresStore.
func openStore(dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") {
		return store.NewPostgres(dsn)
	}
	return store.NewSQLite(strings.TrimPrefix(dsn, "sqlite://"))
}
