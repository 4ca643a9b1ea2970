// Command rs-transfer runs one Redshift UNLOAD or COPY, follows it to a
// terminal state and prints a report.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/checkpoint"
	"github.com/gurre/rs-transfer/config"
	"github.com/gurre/rs-transfer/coordinator"
	"github.com/gurre/rs-transfer/manifest"
	"github.com/gurre/rs-transfer/metrics"
	"github.com/gurre/rs-transfer/preflight"
	"github.com/gurre/rs-transfer/runlog"
	"github.com/gurre/rs-transfer/storage"
	"github.com/gurre/rs-transfer/tracker"
	"github.com/gurre/rs-transfer/warehouse"
	"github.com/gurre/s3streamer"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet binds every flag to a field of cfg, using the field's current
// value as the default. Parsing it over a config loaded from file leaves
// unset flags at the file's values.
func newFlagSet(cfg *config.Config, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("rs-transfer", flag.ContinueOnError)

	fs.StringVar(configPath, "config", *configPath, "YAML file with run settings; flags override it")

	fs.StringVar(&cfg.Direction, "direction", cfg.Direction, "export (UNLOAD) or import (COPY)")
	fs.StringVar(&cfg.Schema, "schema", cfg.Schema, "Warehouse schema")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "Warehouse table")
	fs.StringVar(&cfg.StoragePath, "path", cfg.StoragePath, "S3 prefix (export) or object/manifest (import)")
	fs.StringVar(&cfg.CredentialRole, "role", cfg.CredentialRole, "IAM role ARN the warehouse assumes for S3")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "PARQUET|JSON|CSV")
	fs.BoolVar(&cfg.Overwrite, "overwrite", cfg.Overwrite, "UNLOAD with ALLOWOVERWRITE")
	fs.BoolVar(&cfg.Manifest, "manifest", cfg.Manifest, "UNLOAD MANIFEST VERBOSE / COPY from a manifest")

	fs.StringVar(&cfg.Region, "region", cfg.Region, "AWS region")
	fs.StringVar(&cfg.SecretID, "secret", cfg.SecretID, "Secrets Manager secret holding warehouse credentials")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Warehouse endpoint when no secret is given")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Warehouse port")
	fs.StringVar(&cfg.User, "user", cfg.User, "Warehouse user")
	fs.StringVar(&cfg.Database, "database", cfg.Database, "Warehouse database")

	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between status queries")
	fs.DurationVar(&cfg.MaxWait, "max-wait", cfg.MaxWait, "Give up polling and report TIMED_OUT after this long")
	fs.DurationVar(&cfg.AwaitTimeout, "await-timeout", cfg.AwaitTimeout, "Wait for the submission before polling (0 = max-wait)")
	fs.IntVar(&cfg.MaxTransientErrors, "max-transient-errors", cfg.MaxTransientErrors, "Consecutive failed status queries tolerated")

	fs.BoolVar(&cfg.ClearPrefix, "clear-prefix", cfg.ClearPrefix, "Delete objects under the export prefix first")
	fs.BoolVar(&cfg.Verify, "verify", cfg.Verify, "Check the storage path after a completed transfer")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip the IAM permission simulation")
	fs.StringVar(&cfg.ResumeKey, "resume", cfg.ResumeKey, "s3:// or file:// URI for the checkpoint")
	fs.StringVar(&cfg.ReportS3URI, "report", cfg.ReportS3URI, "S3 URI for the final report")
	fs.StringVar(&cfg.RunTable, "run-table", cfg.RunTable, "DynamoDB table recording run status")
	fs.BoolVar(&cfg.CreateRunTable, "create-run-table", cfg.CreateRunTable, "Create the run table if missing")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Print the statement without running it")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Wait for a background submission on exit")
	return fs
}

// parseConfig applies defaults, then the optional config file, then flags.
func parseConfig(args []string) (*config.Config, error) {
	var configPath string
	cfg := config.Defaults()
	if err := newFlagSet(cfg, &configPath).Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := newFlagSet(fileCfg, &configPath).Parse(args); err != nil {
			return nil, fmt.Errorf("failed to parse flags: %w", err)
		}
		cfg = fileCfg
	}

	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	cfg.Password = os.Getenv("RS_PASSWORD")
	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.DryRun {
		_, err := coordinator.NewCoordinator(cfg, coordinator.Dependencies{}).Run(context.Background())
		return err
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	rawS3Client := s3.NewFromConfig(awsCfg)
	s3Client := aws.NewS3Client(rawS3Client)

	db, err := openWarehouse(ctx, cfg, aws.NewSecretsClient(secretsmanager.NewFromConfig(awsCfg)))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m := metrics.NewMetrics()
	observers := tracker.Observers{tracker.LogObserver{}}
	var recorder *runlog.Recorder
	if cfg.RunTable != "" {
		recorder = runlog.NewRecorder(aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg)), cfg.RunTable, runlog.Options{})
		if cfg.CreateRunTable {
			if err := recorder.EnsureTable(ctx, 5*time.Minute); err != nil {
				return err
			}
		}
		observers = append(observers, recorder)
	}

	tr := tracker.NewTracker(db, tracker.Options{
		Observer:           observers,
		Metrics:            m,
		MaxTransientErrors: cfg.MaxTransientErrors,
		Logger:             log.StandardLogger(),
	})

	store, err := checkpoint.NewStore(s3Client, cfg.ResumeKey)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	deps := coordinator.Dependencies{
		Tracker:        tr,
		Inventory:      storage.NewInventory(s3Client, s3streamer.NewS3Streamer(rawS3Client)),
		Manifest:       manifest.NewS3Loader(s3Client),
		Store:          store,
		Metrics:        m,
		ReportUploader: coordinator.NewS3ReportUploader(s3Client),
		Out:            os.Stdout,
	}
	if !cfg.SkipPreflight {
		deps.Preflight = preflight.NewChecker(aws.NewIAMClient(iam.NewFromConfig(awsCfg)))
	}

	fmt.Printf("Starting %s of %s.%s via %s\n", cfg.Direction, cfg.Schema, cfg.Table, cfg.StoragePath)
	_, runErr := coordinator.NewCoordinator(cfg, deps).Run(ctx)

	waitForSubmissions(tr, cfg.ShutdownTimeout)
	if recorder != nil && recorder.Failures() > 0 {
		log.WithField("failures", recorder.Failures()).Warn("some run-log writes failed")
	}
	return runErr
}

// openWarehouse resolves credentials from Secrets Manager or from flags and
// opens the connection pool.
func openWarehouse(ctx context.Context, cfg *config.Config, secrets aws.SecretsClient) (*sql.DB, error) {
	var creds warehouse.Credentials
	if cfg.SecretID != "" {
		c, err := warehouse.LoadCredentials(ctx, secrets, cfg.SecretID)
		if err != nil {
			return nil, err
		}
		creds = c
	} else {
		creds = warehouse.Credentials{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.User,
			Password: cfg.Password,
			DBName:   cfg.Database,
		}
	}
	return warehouse.Open(ctx, creds, warehouse.PoolConfig{
		MaxOpenConns:    4,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}

// waitForSubmissions gives a background submission that is still running a
// bounded time to publish before the process exits.
func waitForSubmissions(tr *tracker.Tracker, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		tr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("exiting with a submission still in flight")
	}
}
