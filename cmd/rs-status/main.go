// Command rs-status polls a statement submitted earlier, identified either
// by its warehouse statement id or by a transfer id in the run-log table,
// and exits non-zero unless it completed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/runlog"
	"github.com/gurre/rs-transfer/tracker"
	"github.com/gurre/rs-transfer/warehouse"
	log "github.com/sirupsen/logrus"
)

type options struct {
	statementID  int64
	transferID   string
	runTable     string
	direction    string
	schema       string
	table        string
	path         string
	role         string
	region       string
	secretID     string
	host         string
	port         int
	user         string
	database     string
	pollInterval time.Duration
	maxWait      time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("rs-status", flag.ContinueOnError)
	fs.Int64Var(&o.statementID, "id", 0, "Warehouse statement id to poll")
	fs.StringVar(&o.transferID, "transfer-id", "", "Transfer id to look up in the run table")
	fs.StringVar(&o.runTable, "run-table", "", "DynamoDB run table, required with -transfer-id")
	fs.StringVar(&o.direction, "direction", "export", "export or import")
	fs.StringVar(&o.schema, "schema", "public", "Warehouse schema")
	fs.StringVar(&o.table, "table", "", "Warehouse table")
	fs.StringVar(&o.path, "path", "", "Storage path of the transfer")
	fs.StringVar(&o.role, "role", "", "IAM role ARN of the transfer")
	fs.StringVar(&o.region, "region", os.Getenv("AWS_REGION"), "AWS region")
	fs.StringVar(&o.secretID, "secret", "", "Secrets Manager secret holding warehouse credentials")
	fs.StringVar(&o.host, "host", "", "Warehouse endpoint when no secret is given")
	fs.IntVar(&o.port, "port", warehouse.DefaultPort, "Warehouse port")
	fs.StringVar(&o.user, "user", "", "Warehouse user")
	fs.StringVar(&o.database, "database", "dev", "Warehouse database")
	fs.DurationVar(&o.pollInterval, "poll-interval", tracker.DefaultPollInterval, "Delay between status queries")
	fs.DurationVar(&o.maxWait, "max-wait", tracker.DefaultMaxWait, "Give up after this long")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if o.transferID == "" && o.statementID <= 0 {
		return options{}, fmt.Errorf("either -id or -transfer-id is required")
	}
	if o.transferID != "" && o.runTable == "" {
		return options{}, fmt.Errorf("-transfer-id requires -run-table")
	}
	return o, nil
}

// request builds the transfer request from flags, or from the run-log
// record when a transfer id was given.
func (o options) request(rec *runlog.Record) (tracker.Request, tracker.Prior, error) {
	prior := tracker.Prior{StatementID: o.statementID}
	req := tracker.Request{
		Schema:         o.schema,
		Table:          o.table,
		StoragePath:    o.path,
		CredentialRole: o.role,
	}
	direction := o.direction

	if rec != nil {
		schema, table := splitQualified(rec.Table)
		req.Schema, req.Table = schema, table
		req.StoragePath = rec.StoragePath
		req.CredentialRole = rec.CredentialRole
		direction = rec.Direction
		prior = tracker.Prior{HandleID: rec.TransferID, StatementID: rec.StatementID, SubmittedAt: rec.SubmittedAt}
		if prior.StatementID == 0 {
			return tracker.Request{}, tracker.Prior{}, fmt.Errorf("transfer %s has no resolved statement id (status %s)", rec.TransferID, rec.Status)
		}
	}

	dir, err := tracker.ParseDirection(direction)
	if err != nil {
		return tracker.Request{}, tracker.Prior{}, err
	}
	req.Direction = dir
	return req, prior, nil
}

func splitQualified(qualified string) (string, string) {
	if schema, table, ok := strings.Cut(qualified, "."); ok {
		return schema, table
	}
	return "public", qualified
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(o.region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	var rec *runlog.Record
	if o.transferID != "" {
		recorder := runlog.NewRecorder(aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg)), o.runTable, runlog.Options{})
		r, err := recorder.Get(ctx, o.transferID)
		if err != nil {
			return err
		}
		rec = &r
	}

	req, prior, err := o.request(rec)
	if err != nil {
		return err
	}

	var creds warehouse.Credentials
	if o.secretID != "" {
		creds, err = warehouse.LoadCredentials(ctx, aws.NewSecretsClient(secretsmanager.NewFromConfig(awsCfg)), o.secretID)
		if err != nil {
			return err
		}
	} else {
		creds = warehouse.Credentials{
			Host:     o.host,
			Port:     o.port,
			Username: o.user,
			Password: os.Getenv("RS_PASSWORD"),
			DBName:   o.database,
		}
	}
	db, err := warehouse.Open(ctx, creds, warehouse.PoolConfig{MaxOpenConns: 1, ConnMaxIdleTime: time.Minute})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tr := tracker.NewTracker(db, tracker.Options{Logger: log.StandardLogger()})
	h, err := tr.Resume(req, prior)
	if err != nil {
		return err
	}

	res, err := tr.PollUntilTerminal(ctx, h, o.pollInterval, o.maxWait)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d %s\n", res.Status, res.StatementID, res.Detail)
	if res.Status != tracker.StatusCompleted {
		return fmt.Errorf("statement %d is %s", res.StatementID, res.Status)
	}
	return nil
}
