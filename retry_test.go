package simcom

import (
	"context"
	"fmt"
	"testing"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		max       int
		succeedAt int // 0 never
		expectN   int
		expectOK  bool
	}{
		{"first", 3, 1, 1, true},
		{"second", 3, 2, 2, true},
		{"last", 3, 3, 3, true},
		{"exhausted", 3, 0, 3, false},
		{"single", 1, 0, 1, false},
		{"zero-means-one", 0, 0, 1, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			p := RetryPolicy{MaxAttempts: c.max, Log: log2.NewTest(t, log2.LDebug)}
			out := p.Execute(context.Background(), c.name, func(ctx context.Context, attempt int) (bool, error) {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt == c.succeedAt {
					return true, nil
				}
				return false, fmt.Errorf("fail %d", attempt)
			})
			assert.Equal(t, c.expectN, calls)
			assert.Equal(t, c.expectN, out.Attempts)
			assert.Equal(t, c.expectOK, out.Success)
			assert.Equal(t, !c.expectOK, out.Exhausted())
			assert.False(t, out.Aborted())
			if c.expectOK {
				assert.NoError(t, out.Err)
			} else {
				assert.EqualError(t, out.Err, fmt.Sprintf("fail %d", c.expectN))
			}
		})
	}
}

func TestRetryPolicyFalseWithoutError(t *testing.T) {
	t.Parallel()
	out := RetryPolicy{MaxAttempts: 2}.Execute(context.Background(), "op", func(context.Context, int) (bool, error) {
		return false, nil
	})
	assert.True(t, out.Exhausted())
	assert.Error(t, out.Err)
}

func TestRetryPolicyStopsOnClosed(t *testing.T) {
	t.Parallel()
	calls := 0
	out := RetryPolicy{MaxAttempts: 5}.Execute(context.Background(), "op", func(context.Context, int) (bool, error) {
		calls++
		return false, errors.Annotate(ErrClosed, "write")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, out.Aborted())
	assert.False(t, out.Exhausted())
}

func TestRetryPolicyContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	out := RetryPolicy{MaxAttempts: 5}.Execute(ctx, "op", func(context.Context, int) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	assert.Equal(t, 1, calls)
	assert.True(t, out.Aborted())
	assert.Equal(t, context.Canceled, errors.Cause(out.Err))
	assert.Contains(t, out.String(), "aborted")
}

func TestOutcomeGuardRefused(t *testing.T) {
	t.Parallel()
	out := Outcome{Op: "endpoint connect", Err: ErrNotReady}
	assert.True(t, out.Aborted())
	assert.False(t, out.Exhausted())
	assert.Equal(t, "endpoint connect aborted attempts=0 err=not ready", out.String())
}
