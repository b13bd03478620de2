// Command addrsync ingests the national address-point registry and
// reconciles locally entered addresses against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/addrsync/internal/config"
	"github.com/addrsync/internal/db"
	"github.com/addrsync/internal/engine"
	"github.com/addrsync/internal/etl"
	"github.com/addrsync/internal/fetch"
	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/logging"
	"github.com/addrsync/internal/service"
	"github.com/addrsync/internal/store"
)

// app holds the wired process. Commands that need the database call open.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	conn   *db.Connection
	runner *jobs.Runner
	locks  *lock.Manager
	svc    *service.Service
}

var a = &app{}

func main() {
	rootCmd := &cobra.Command{
		Use:           "addrsync",
		Short:         "Address registry ingestion and reconciliation",
		Long:          `Fetches and imports the national address-point registry and reconciles locally entered addresses against it`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createMigrateCmd())
	rootCmd.AddCommand(createPingCmd())
	rootCmd.AddCommand(createFetchCmd())
	rootCmd.AddCommand(createImportCmd())
	rootCmd.AddCommand(createReconcileCmd())
	rootCmd.AddCommand(createJobCmd())
	rootCmd.AddCommand(createPointCmd())
	rootCmd.AddCommand(createQueueCmd())
	rootCmd.AddCommand(createLockCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) configure() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	a.cfg, a.log = cfg, log
	return nil
}

// open connects to the database and wires the engines and the service.
func (a *app) open(ctx context.Context) error {
	if err := a.cfg.EnsureDirs(); err != nil {
		return err
	}
	conn, err := db.NewConnection(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConnections, a.log)
	if err != nil {
		return err
	}
	a.conn = conn

	points := store.NewPointStore(conn.DB)
	queue := store.NewQueueStore(conn.DB)
	files := store.NewFileStore(conn.DB)
	state := store.NewStateStore(conn.DB)
	buildings := store.NewBuildingStore(conn.DB)
	ledger := jobs.NewLedger(conn.DB)

	a.runner = jobs.NewRunner(ledger, a.log)
	a.locks = lock.NewManager(a.cfg.LockDir)

	reconciler := engine.NewReconciler(points, queue, state, a.cfg.ReconcileDistanceM).WithLock(a.locks)
	importer, err := etl.NewImporter(etl.Config{
		ImportDir:         a.cfg.ImportDir,
		BatchSize:         a.cfg.BatchSize,
		SkipLogCap:        a.cfg.SkipLogCap,
		ProgressInterval:  a.cfg.ProgressInterval,
		CacheSize:         a.cfg.ExistenceCacheSize,
		AutoReconcile:     a.cfg.AutoReconcile,
		DeleteAfterImport: a.cfg.DeleteAfterImport,
		Debug:             a.cfg.Debug,
	}, files, points, buildings, state, a.locks, reconciler)
	if err != nil {
		return err
	}
	fetcher := fetch.NewFetcher(fetch.Config{
		URL:              a.cfg.FetchURL,
		ImportDir:        a.cfg.ImportDir,
		HashFile:         a.cfg.HashFile(),
		Timeout:          a.cfg.FetchTimeout,
		ProgressInterval: a.cfg.ProgressInterval,
	}, nil, files, state, a.locks)

	a.svc, err = service.New(service.Deps{
		ImportDir:  a.cfg.ImportDir,
		Runner:     a.runner,
		Jobs:       ledger,
		Locks:      a.locks,
		Points:     points,
		Queue:      queue,
		Files:      files,
		State:      state,
		Buildings:  buildings,
		Fetcher:    fetcher,
		Importer:   importer,
		Reconciler: reconciler,
		Log:        a.log,
	})
	return err
}

func (a *app) close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
