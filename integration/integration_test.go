package integration

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	json "github.com/goccy/go-json"
	"github.com/gurre/rs-transfer/checkpoint"
	"github.com/gurre/rs-transfer/config"
	"github.com/gurre/rs-transfer/coordinator"
	"github.com/gurre/rs-transfer/integration/mock"
	"github.com/gurre/rs-transfer/manifest"
	"github.com/gurre/rs-transfer/metrics"
	"github.com/gurre/rs-transfer/preflight"
	"github.com/gurre/rs-transfer/runlog"
	"github.com/gurre/rs-transfer/storage"
	"github.com/gurre/rs-transfer/tracker"
	"github.com/gurre/rs-transfer/warehouse"
	log "github.com/sirupsen/logrus"
)

const (
	runTable      = "rs-transfer-runs"
	checkpointURI = "s3://state-bucket/checkpoints/orders.json"
)

var statusCols = []string{"starttime", "endtime", "aborted"}

func init() {
	log.SetOutput(io.Discard)
}

// env wires every component the way cmd/rs-transfer does, over in-memory
// AWS services and a mocked warehouse.
type env struct {
	s3      *mock.S3Client
	ddb     *mock.DynamoDBClient
	iam     *mock.IAMClient
	secrets *mock.SecretsClient
}

func newEnv() *env {
	e := &env{
		s3:      mock.NewS3Client(),
		ddb:     mock.NewDynamoDBClient(),
		iam:     mock.NewIAMClient(),
		secrets: mock.NewSecretsClient(),
	}
	e.secrets.AddSecret("redshift/etl", `{"username":"etl","password":"s3cret","host":"cluster.example.com","port":"5439","dbname":"analytics"}`)
	return e
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Direction = "export"
	cfg.Schema = "sales"
	cfg.Table = "orders"
	cfg.StoragePath = "s3://exports/orders/"
	cfg.CredentialRole = "arn:aws:iam::123456789012:role/redshift-unload"
	cfg.Format = "JSON"
	cfg.Region = "us-west-2"
	cfg.SecretID = "redshift/etl"
	cfg.PollInterval = time.Second
	cfg.MaxWait = 10 * time.Second
	cfg.ResumeKey = checkpointURI
	cfg.RunTable = runTable
	cfg.CreateRunTable = true
	cfg.Verify = true
	cfg.ReportS3URI = "s3://reports/orders.json"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid config: %v", err)
	}
	return cfg
}

type run struct {
	coord    *coordinator.Coordinator
	tracker  *tracker.Tracker
	recorder *runlog.Recorder
	sql      sqlmock.Sqlmock
	out      *bytes.Buffer
}

func (e *env) newRun(t *testing.T, cfg *config.Config) *run {
	t.Helper()
	ctx := context.Background()

	creds, err := warehouse.LoadCredentials(ctx, e.secrets, cfg.SecretID)
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	if creds.Host != "cluster.example.com" || creds.Port != 5439 || creds.DBName != "analytics" {
		t.Fatalf("Unexpected credentials: %+v", creds)
	}

	db, sqlMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	recorder := runlog.NewRecorder(e.ddb, cfg.RunTable, runlog.Options{BaseDelay: time.Millisecond})
	if err := recorder.EnsureTable(ctx, time.Minute); err != nil {
		t.Fatalf("Failed to ensure run table: %v", err)
	}

	m := metrics.NewMetrics()
	quiet := log.New()
	quiet.SetOutput(io.Discard)
	tr := tracker.NewTracker(db, tracker.Options{
		Observer:           tracker.Observers{tracker.LogObserver{Logger: quiet}, recorder},
		Metrics:            m,
		MaxTransientErrors: cfg.MaxTransientErrors,
		Logger:             quiet,
	})

	store, err := checkpoint.NewStore(e.s3, cfg.ResumeKey)
	if err != nil {
		t.Fatalf("Failed to create checkpoint store: %v", err)
	}

	out := &bytes.Buffer{}
	coord := coordinator.NewCoordinator(cfg, coordinator.Dependencies{
		Tracker:        tr,
		Preflight:      preflight.NewChecker(e.iam),
		Inventory:      storage.NewInventory(e.s3, e.s3),
		Manifest:       manifest.NewS3Loader(e.s3),
		Store:          store,
		Metrics:        m,
		ReportUploader: coordinator.NewS3ReportUploader(e.s3),
		Out:            out,
	})
	return &run{coord: coord, tracker: tr, recorder: recorder, sql: sqlMock, out: out}
}

func statusRows(ended bool) *sqlmock.Rows {
	now := time.Now()
	if ended {
		return sqlmock.NewRows(statusCols).AddRow(now.Add(-time.Minute), now, int64(0))
	}
	return sqlmock.NewRows(statusCols).AddRow(now, nil, int64(0))
}

func loadCheckpoint(t *testing.T, e *env) checkpoint.State {
	t.Helper()
	data, ok := e.s3.File("state-bucket", "checkpoints/orders.json")
	if !ok {
		t.Fatal("Checkpoint object was not written")
	}
	var state checkpoint.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("Failed to decode checkpoint: %v", err)
	}
	return state
}

func TestFullExportFlow(t *testing.T) {
	e := newEnv()
	e.s3.AddFile("exports", "orders/0000_part_00", []byte("{\"id\":1}\n{\"id\":2}\n"))
	e.s3.AddFile("exports", "orders/0001_part_00", []byte("{\"id\":3}\n"))

	r := e.newRun(t, baseConfig(t))
	r.sql.ExpectExec("UNLOAD").WillReturnResult(sqlmock.NewResult(0, 0))
	r.sql.ExpectQuery("pg_last_query_id").
		WillReturnRows(sqlmock.NewRows([]string{"pg_last_query_id"}).AddRow(int64(9001)))
	r.sql.ExpectQuery("FROM stl_query WHERE query").WithArgs(int64(9001)).WillReturnRows(statusRows(true))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := r.coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r.tracker.Wait()

	if res.Status != tracker.StatusCompleted || res.StatementID != 9001 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if err := r.sql.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet warehouse expectations: %v", err)
	}

	if len(e.iam.Calls) != 2 {
		t.Errorf("Expected 2 permission simulations, got %d", len(e.iam.Calls))
	}

	state := loadCheckpoint(t, e)
	if state.Status != "COMPLETED" || state.StatementID != 9001 {
		t.Errorf("Unexpected checkpoint: %+v", state)
	}

	rec, err := r.recorder.Get(ctx, state.HandleID)
	if err != nil {
		t.Fatalf("Run log lookup failed: %v", err)
	}
	if rec.Status != "COMPLETED" || rec.StatementID != 9001 || rec.Transitions != 1 {
		t.Errorf("Unexpected run log record: %+v", rec)
	}

	data, ok := e.s3.File("reports", "orders.json")
	if !ok {
		t.Fatal("Report was not uploaded")
	}
	var report struct {
		Status       string               `json:"status"`
		StatementID  int64                `json:"statementId"`
		Polls        int64                `json:"polls"`
		Verification metrics.Verification `json:"verification"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Status != "COMPLETED" || report.Polls != 1 {
		t.Errorf("Unexpected report: %+v", report)
	}
	if report.Verification.Files != 2 || report.Verification.Rows != 3 {
		t.Errorf("Unexpected verification: %+v", report.Verification)
	}
}

func TestTimedOutExportResumes(t *testing.T) {
	e := newEnv()
	e.s3.AddFile("exports", "orders/0000_part_00", []byte("{\"id\":1}\n"))

	cfg := baseConfig(t)
	cfg.MaxWait = 1500 * time.Millisecond

	first := e.newRun(t, cfg)
	first.sql.ExpectExec("UNLOAD").WillReturnResult(sqlmock.NewResult(0, 0))
	first.sql.ExpectQuery("pg_last_query_id").
		WillReturnRows(sqlmock.NewRows([]string{"pg_last_query_id"}).AddRow(int64(42)))
	first.sql.ExpectQuery("FROM stl_query WHERE query").WithArgs(int64(42)).WillReturnRows(statusRows(false))
	first.sql.ExpectQuery("FROM stl_query WHERE query").WithArgs(int64(42)).WillReturnRows(statusRows(false))

	res, err := first.coord.Run(context.Background())
	if err == nil {
		t.Fatal("Expected the first run to time out")
	}
	first.tracker.Wait()
	if res.Status != tracker.StatusTimedOut {
		t.Fatalf("Expected TIMED_OUT, got %s", res.Status)
	}

	state := loadCheckpoint(t, e)
	if !state.Resumable() {
		t.Fatalf("Timed out checkpoint should be resumable: %+v", state)
	}

	second := e.newRun(t, cfg)
	second.sql.ExpectQuery("FROM stl_query WHERE query").WithArgs(int64(42)).WillReturnRows(statusRows(true))

	res, err = second.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if res.Status != tracker.StatusCompleted || res.StatementID != 42 {
		t.Errorf("Unexpected resumed result: %+v", res)
	}
	if err := second.sql.ExpectationsWereMet(); err != nil {
		t.Errorf("Resumed run should only poll: %v", err)
	}

	resumed := loadCheckpoint(t, e)
	if resumed.HandleID != state.HandleID {
		t.Errorf("Transfer id changed across resume: %s != %s", resumed.HandleID, state.HandleID)
	}

	rec, err := second.recorder.Get(context.Background(), state.HandleID)
	if err != nil {
		t.Fatalf("Run log lookup failed: %v", err)
	}
	if rec.Status != "COMPLETED" || rec.Transitions != 2 {
		t.Errorf("Unexpected run log record after resume: %+v", rec)
	}
}

func TestDeniedRoleNeverSubmits(t *testing.T) {
	e := newEnv()
	e.iam.Deny("s3:PutObject")

	r := e.newRun(t, baseConfig(t))
	_, err := r.coord.Run(context.Background())
	if err == nil {
		t.Fatal("Expected preflight failure")
	}
	if err := r.sql.ExpectationsWereMet(); err != nil {
		t.Errorf("No statement should have been sent: %v", err)
	}
	if _, ok := e.s3.File("state-bucket", "checkpoints/orders.json"); ok {
		t.Error("No checkpoint should exist for a transfer that never started")
	}
}
