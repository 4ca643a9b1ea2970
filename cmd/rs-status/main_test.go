package main

import (
	"testing"
	"time"

	"github.com/gurre/rs-transfer/runlog"
	"github.com/gurre/rs-transfer/tracker"
)

func TestParseFlagsRequiresIdentity(t *testing.T) {
	if _, err := parseFlags([]string{"-table", "orders"}); err == nil {
		t.Error("expected error without -id or -transfer-id")
	}
	if _, err := parseFlags([]string{"-transfer-id", "abc"}); err == nil {
		t.Error("expected error for -transfer-id without -run-table")
	}
	o, err := parseFlags([]string{"-id", "42", "-table", "orders"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if o.statementID != 42 || o.pollInterval != tracker.DefaultPollInterval {
		t.Errorf("unexpected options %+v", o)
	}
}

func TestRequestFromRunLogRecord(t *testing.T) {
	o := options{direction: "export"}
	submitted := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	req, prior, err := o.request(&runlog.Record{
		TransferID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		Direction:      "import",
		Table:          "sales.orders",
		StoragePath:    "s3://imports/orders/",
		CredentialRole: "arn:aws:iam::123456789012:role/copy",
		StatementID:    77,
		SubmittedAt:    submitted,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if req.Direction != tracker.Import || req.Schema != "sales" || req.Table != "orders" {
		t.Errorf("unexpected request %+v", req)
	}
	if prior.StatementID != 77 || prior.HandleID == "" || !prior.SubmittedAt.Equal(submitted) {
		t.Errorf("unexpected prior %+v", prior)
	}

	_, _, err = o.request(&runlog.Record{TransferID: "x", Direction: "export", Table: "t", Status: "RUNNING"})
	if err == nil {
		t.Error("expected error for record without statement id")
	}
}

func TestSplitQualified(t *testing.T) {
	if s, tbl := splitQualified("orders"); s != "public" || tbl != "orders" {
		t.Errorf("got %s.%s", s, tbl)
	}
	if s, tbl := splitQualified("sales.orders"); s != "sales" || tbl != "orders" {
		t.Errorf("got %s.%s", s, tbl)
	}
}

func TestStatementIDAloneCanBeResumed(t *testing.T) {
	o, err := parseFlags([]string{"-id", "42"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	req, prior, err := o.request(nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	h, err := tracker.NewTracker(nil, tracker.Options{}).Resume(req, prior)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if id, ok := h.StatementID(); !ok || id != 42 {
		t.Errorf("expected statement 42, got %d (resolved=%v)", id, ok)
	}
	if h.Request().Direction != tracker.Export {
		t.Errorf("expected export direction, got %s", h.Request().Direction)
	}
}
