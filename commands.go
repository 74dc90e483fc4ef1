package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"optiver-forecast/app"
	"optiver-forecast/config"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
	"optiver-forecast/pagination"
)

var (
	// ingest-csv and produce
	csvFile   string
	batchSize int
	trainType string
	dryRun    bool
	rate      float64

	// stream
	streamSource string

	// dashboard
	modelID  int64
	dateID   int
	stockID  int
	page     int
	pageSize int

	rootCmd = &cobra.Command{
		Use:   "optiver-forecast",
		Short: "Stock data platform for the Optiver closing auction",
		Long: `optiver-forecast stores order book snapshots, trains forecasting models
on them and serves predictions.

Services:
  serve     data REST API (stock data, date mappings, models, inferences)
  trainer   training and inference job service
  stream    live tick ingest from Kafka or a websocket feed

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the data REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				return a.ServeAPI(ctx)
			})
		},
	}

	trainerCmd = &cobra.Command{
		Use:   "trainer",
		Short: "Run the training and inference job service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				return a.RunTrainer(ctx)
			})
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ context.Context, a *app.App) error {
				return a.Migrate()
			})
		},
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest-csv",
		Short: "Load stock data from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.IngestCSV(ctx, csvFile, ingest.CSVOptions{
					BatchSize: batchSize,
					TrainType: trainType,
					Commit:    !dryRun,
				})
				if dryRun {
					fmt.Printf("Validated %d rows (dry run, nothing stored)\n", n)
				} else {
					fmt.Printf("Ingested %d rows\n", n)
				}
				return err
			})
		},
	}

	streamCmd = &cobra.Command{
		Use:   "stream",
		Short: "Ingest live ticks from Kafka or a websocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				return a.RunStream(ctx, streamSource)
			})
		},
	}

	produceCmd = &cobra.Command{
		Use:   "produce",
		Short: "Replay a CSV file onto the Kafka tick topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Produce(ctx, csvFile, rate, trainType)
				fmt.Printf("Published %d ticks\n", n)
				return err
			})
		},
	}

	dashboardCmd = &cobra.Command{
		Use:   "dashboard",
		Short: "Inspect models, predictions and stock data in the terminal",
	}

	dashboardModelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List trained models, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				d, err := a.Dashboard(ctx, os.Stdout)
				if err != nil {
					return err
				}
				return d.Models(ctx)
			})
		},
	}

	dashboardPredictionsCmd = &cobra.Command{
		Use:   "predictions",
		Short: "Show the predictions of a model for a date id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				d, err := a.Dashboard(ctx, os.Stdout)
				if err != nil {
					return err
				}
				var stock *int
				if cmd.Flags().Changed("stock-id") {
					stock = &stockID
				}
				return d.Predictions(ctx, modelID, dateID, stock, pagination.Request{Page: page, PageSize: pageSize})
			})
		},
	}

	dashboardDataCmd = &cobra.Command{
		Use:   "data",
		Short: "Show the stored snapshots of a stock for a date id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				d, err := a.Dashboard(ctx, os.Stdout)
				if err != nil {
					return err
				}
				return d.StockData(ctx, dateID, stockID)
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, trainerCmd, migrateCmd, ingestCmd, streamCmd, produceCmd, dashboardCmd)
	dashboardCmd.AddCommand(dashboardModelsCmd, dashboardPredictionsCmd, dashboardDataCmd)

	ingestCmd.Flags().StringVarP(&csvFile, "file", "f", "", "CSV file to load")
	ingestCmd.Flags().IntVar(&batchSize, "batch-size", 5000, "rows per transaction")
	ingestCmd.Flags().StringVar(&trainType, "train-type", "", "train_type applied when the file has no such column")
	ingestCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and roll back instead of storing")
	_ = ingestCmd.MarkFlagRequired("file")

	streamCmd.Flags().StringVar(&streamSource, "source", app.SourceKafka, "tick source: kafka or websocket")

	produceCmd.Flags().StringVarP(&csvFile, "file", "f", "", "CSV file to replay")
	produceCmd.Flags().Float64Var(&rate, "rate", 100, "ticks per second, 0 for unlimited")
	produceCmd.Flags().StringVar(&trainType, "train-type", "", "train_type applied when the file has no such column")
	_ = produceCmd.MarkFlagRequired("file")

	dashboardPredictionsCmd.Flags().Int64Var(&modelID, "model-id", 0, "model id")
	dashboardPredictionsCmd.Flags().IntVar(&dateID, "date-id", 0, "prediction date id")
	dashboardPredictionsCmd.Flags().IntVar(&stockID, "stock-id", 0, "only show this stock")
	dashboardPredictionsCmd.Flags().IntVar(&page, "page", pagination.DefaultPage, "page to show")
	dashboardPredictionsCmd.Flags().IntVar(&pageSize, "page-size", 50, "rows per page")
	_ = dashboardPredictionsCmd.MarkFlagRequired("model-id")
	_ = dashboardPredictionsCmd.MarkFlagRequired("date-id")

	dashboardDataCmd.Flags().IntVar(&dateID, "date-id", 0, "date id")
	dashboardDataCmd.Flags().IntVar(&stockID, "stock-id", 0, "stock id")
	_ = dashboardDataCmd.MarkFlagRequired("date-id")
	_ = dashboardDataCmd.MarkFlagRequired("stock-id")
}

// withApp loads the configuration, builds the application and runs fn with
// a context cancelled on SIGINT or SIGTERM. Resources are released after fn
// returns.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	for _, f := range cfg.EnvFileMissing {
		log.Info("No env file found, using environment variables", logger.NewField("file", f))
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, a)
	if ctx.Err() != nil {
		log.Info("Shutdown signal received, closing resources")
	}
	if err := a.Close(); err != nil {
		log.Warn("Shutdown finished with errors", logger.NewField("error", err.Error()))
	}
	return runErr
}
