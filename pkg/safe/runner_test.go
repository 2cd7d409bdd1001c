package safe

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quotehub.com/pkg/metrics"
)

func TestGo_RecoversPanic(t *testing.T) {
	before := testutil.ToFloat64(metrics.PanicsTotal.WithLabelValues("test-go"))
	done := make(chan struct{})
	Go("test-go", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.PanicsTotal.WithLabelValues("test-go")) == before+1
	}, time.Second, 5*time.Millisecond)
}

func TestGoCtx_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	got := make(chan interface{}, 1)
	GoCtx(ctx, "test-ctx", func(ctx context.Context) { got <- ctx.Value(key{}) })
	assert.Equal(t, "v", <-got)
}

func TestCall_PanicBecomesError(t *testing.T) {
	err := Call("listener", func() { panic("bad listener") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad listener")

	assert.NoError(t, Call("listener", func() {}))
}
