package postgres

import (
	"strings"
	"testing"
)

func TestStepRunQueriesIdempotent(t *testing.T) {
	if !strings.Contains(insertStepRunQuery, "ON CONFLICT (run_id, step_id) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(listStepRunsByRunQuery, "ORDER BY step_order ASC") {
		t.Fatalf("expected step_order ordering in list query")
	}
}

func TestRunQueriesOrgScoped(t *testing.T) {
	if !strings.Contains(selectRunQuery, "org_id = $1") {
		t.Fatalf("expected org_id predicate in select query")
	}
}

func TestWorkflowQueriesOrgScoped(t *testing.T) {
	if !strings.Contains(selectWorkflowQuery, "org_id = $1") {
		t.Fatalf("expected org_id predicate in select query")
	}
	if !strings.Contains(selectLatestWorkflowQuery, "ORDER BY version DESC") {
		t.Fatalf("expected latest query to order by version")
	}
}

func TestIdempotencyQueriesKeyedOnConstraint(t *testing.T) {
	if !strings.Contains(insertIdempotencyQuery, "ON CONFLICT (org_id, idempotency_key, endpoint) DO NOTHING") {
		t.Fatalf("expected conflict clause in insert query")
	}
	if !strings.Contains(selectIdempotencyQuery, "idempotency_key = $2") {
		t.Fatalf("expected key predicate in select query")
	}
}
