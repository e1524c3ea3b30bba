package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	scm "github.com/axondata/go-scm"
	"github.com/axondata/go-scm/internal/config"
	"github.com/axondata/go-scm/scmhttp"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "scmd",
	Short: "Service control manager daemon",
	Long:  `scmd keeps the service database, serves the service control API and supervises hosted service processes`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		v := scm.GetVersion()
		fmt.Printf("scmd v%s (%s)\n", v.Version, v.Protocol)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/scm/scmd.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(cfg.Level())

	store, err := scm.NewFileStore(cfg.StoreDir, log.With().Str("component", "store").Logger())
	if err != nil {
		return err
	}
	db := scm.NewDatabase(store, log.With().Str("component", "database").Logger())
	if err := db.Load(); err != nil {
		// broken records are skipped, the rest of the database is usable
		log.Error().Err(err).Msg("loading service database")
	}

	pipes, err := scm.NewPipeNamer(cfg.RuntimeDir)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	opts := append(cfg.ManagerOptions(),
		scm.WithEndpoint("http://"+ln.Addr().String()),
		scm.WithLogger(log.With().Str("component", "manager").Logger()),
	)
	m := scm.NewManager(db, pipes, opts...)
	srv := scmhttp.NewServer(m, log.With().Str("component", "http").Logger())

	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(ln)
	}()
	log.Info().Str("listen", ln.Addr().String()).Int("services", db.Len()).Msg("manager ready")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup, err := m.WatchStore(ctx, store)
	if err != nil {
		log.Warn().Err(err).Msg("store watch unavailable")
	}

	if err := m.StartAutoServices(ctx); err != nil {
		log.Error().Err(err).Msg("starting automatic services")
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.KillTimeout()+5*time.Second)
	defer cancel()

	// The transport stays up until the manager is down: hosted processes
	// report STOPPED through it, and the manager refuses starts from here on.
	merr := &scm.MultiError{}
	if cleanup != nil {
		merr.Add(cleanup())
	}
	merr.Add(m.Shutdown(shutdownCtx))
	merr.Add(srv.Close())
	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		merr.Add(err)
	}
	return merr.Err()
}
