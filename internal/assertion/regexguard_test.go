package assertion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

func TestMatchWithTimeout(t *testing.T) {
	matched, err := MatchWithTimeout(context.Background(), `^[a-z]+$`, "abc", time.Second)
	if err != nil {
		t.Fatalf("MatchWithTimeout err=%v", err)
	}
	if !matched {
		t.Fatalf("expected match")
	}

	matched, err = MatchWithTimeout(context.Background(), `^[a-z]+$`, "abc123", time.Second)
	if err != nil {
		t.Fatalf("MatchWithTimeout err=%v", err)
	}
	if matched {
		t.Fatalf("expected no match")
	}
}

func TestMatchWithTimeoutCompileError(t *testing.T) {
	_, err := MatchWithTimeout(context.Background(), `(unclosed`, "text", time.Second)
	if err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestCatastrophicPatternCompletesWithinTimeout(t *testing.T) {
	// The classic backtracking bomb: harmless on RE2, but the assertion must
	// still resolve to a failing issue within the configured window.
	pattern := `(a+)+$`
	text := strings.Repeat("a", 64*1024) + "b"

	assertion := domain.Assertion{
		ID: "redos", Target: "v", Operator: domain.OpMatches,
		RHS: domain.Operands{Pattern: pattern},
	}
	e := NewBasicEvaluator(300 * time.Millisecond)

	start := time.Now()
	result, issues := e.Evaluate(context.Background(), assertion, map[string]any{"v": text}, Context{})
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("evaluation took %v, guard did not bound it", elapsed)
	}
	if result.Failures != 1 || len(issues) != 1 {
		t.Fatalf("failures=%d issues=%d, want failing assertion", result.Failures, len(issues))
	}
}
