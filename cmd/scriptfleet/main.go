package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetware/scriptfleet/internal/cli"
	internal_http "github.com/fleetware/scriptfleet/internal/http"
	"github.com/fleetware/scriptfleet/internal/log"
	internal_storage "github.com/fleetware/scriptfleet/internal/storage"
	"github.com/fleetware/scriptfleet/pkg/delivery"
	"github.com/fleetware/scriptfleet/pkg/scheduler"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "scriptfleet"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the HTTP surface",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}
		dbConnStr, _ := cmd.Flags().GetString("db")
		if dbConnStr == "" {
			dbConnStr = os.Getenv("DATABASE_URL")
		}
		if dbConnStr == "" {
			fmt.Fprintln(os.Stderr, "Error: --db flag or DATABASE_URL required")
			os.Exit(1)
		}
		port, _ := cmd.Flags().GetString("port")

		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		logger := log.GetLogger()
		locks := internal_storage.NewAdvisoryLockManager(store.DB())
		broker := delivery.NewBroker()
		evaluator := scheduler.NewEvaluator(store, scheduler.DefaultExpirationGrace, scheduler.DefaultGlobalRetryCap)
		tracker := scheduler.NewTracker(store, broker, evaluator, logger)
		resolver := scheduler.NewTargetResolver(store)
		dispatcher := scheduler.NewDispatcher(store, resolver, locks, tracker, logger)
		canceller := scheduler.NewCanceller(store, locks, logger)
		svc := scheduler.NewTaskService(store, canceller, logger)

		loop := scheduler.NewLoop(store, evaluator, dispatcher, tracker, logger,
			scheduler.DefaultTickInterval, scheduler.DefaultRetention)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		loop.Start(ctx)
		defer loop.Stop()

		if err := internal_http.StartServer(port, svc, tracker); err != nil {
			log.GetLogger().Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
