package assertion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// maxRegexInputBytes caps the text fed to a pattern so oversized payloads
// cannot stretch the match window.
const maxRegexInputBytes = 1 << 20

var ErrRegexTimeout = errors.New("regex evaluation timed out")

// MatchWithTimeout compiles and runs a pattern on its own goroutine under a
// deadline. Go's regexp is linear-time, but the guard keeps the
// evaluation-never-hangs contract independent of engine behavior and bounds
// compile cost for hostile patterns.
func MatchWithTimeout(ctx context.Context, pattern string, text string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	if len(text) > maxRegexInputBytes {
		text = text[:maxRegexInputBytes]
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		matched bool
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		re, err := regexp.Compile(pattern)
		if err != nil {
			resultCh <- outcome{err: fmt.Errorf("compile pattern: %w", err)}
			return
		}
		resultCh <- outcome{matched: re.MatchString(text)}
	}()

	select {
	case <-ctx.Done():
		return false, ErrRegexTimeout
	case res := <-resultCh:
		return res.matched, res.err
	}
}
