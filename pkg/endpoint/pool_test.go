package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialRecorder(attempts *[]string, accept map[string]bool) DialFunc[string] {
	return func(ctx context.Context, url string) (string, error) {
		*attempts = append(*attempts, url)
		if accept[url] {
			return url, nil
		}
		return "", errors.New("refused")
	}
}

func TestSelectListOrder(t *testing.T) {
	var attempts []string
	pool := NewPool(ChainRelay,
		[]string{"ws://a", "ws://b", "ws://c"}, []string{"ws", "wss"},
		dialRecorder(&attempts, map[string]bool{"ws://c": true}),
		time.Minute, 3, zap.NewNop())

	url, handle, err := pool.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://c", url)
	assert.Equal(t, "ws://c", handle)
	assert.Equal(t, []string{"ws://a", "ws://b", "ws://c"}, attempts)
}

func TestSelectSkipsUnsupportedScheme(t *testing.T) {
	var attempts []string
	pool := NewPool(ChainRelay,
		[]string{"http://a", "ws://b"}, []string{"ws", "wss"},
		dialRecorder(&attempts, map[string]bool{"ws://b": true}),
		time.Minute, 3, zap.NewNop())

	url, _, err := pool.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://b", url)
	assert.Equal(t, []string{"ws://b"}, attempts)
}

// An undesirable URL is skipped on the first pass, but once every other
// candidate has failed it must be retried immediately, before any sleep.
func TestSelectLiftsUndesirableBeforeSleeping(t *testing.T) {
	var attempts []string
	pool := NewPool(ChainRelay,
		[]string{"ws://a", "ws://b", "ws://c"}, []string{"ws", "wss"},
		dialRecorder(&attempts, map[string]bool{"ws://a": true}),
		time.Minute, 1, zap.NewNop())
	pool.NoteFailure("ws://a")

	start := time.Now()
	url, _, err := pool.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://a", url)
	assert.Equal(t, []string{"ws://b", "ws://c", "ws://a"}, attempts)
	// A sleep here would mean the exclusion was not lifted in time; the
	// retry wait is a minute, so finishing fast proves the immediate pass.
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSelectHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewPool(ChainParachain,
		[]string{"http://a"}, []string{"http", "https"},
		dialRecorder(new([]string), nil),
		time.Millisecond, 3, zap.NewNop())

	_, _, err := pool.Select(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailureBookkeeping(t *testing.T) {
	pool := NewPool(ChainRelay, []string{"ws://a"}, []string{"ws"},
		dialRecorder(new([]string), nil), time.Minute, 2, zap.NewNop())

	pool.NoteFailure("ws://a")
	assert.Equal(t, int64(1), pool.Failures("ws://a"))
	assert.False(t, pool.Snapshot()["ws://a"].Undesirable)

	pool.NoteFailure("ws://a")
	assert.True(t, pool.Snapshot()["ws://a"].Undesirable)

	pool.NoteSuccess("ws://a")
	assert.Equal(t, int64(0), pool.Failures("ws://a"))
	assert.False(t, pool.Snapshot()["ws://a"].Undesirable)
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("broken pipe")
	err := &TransportError{Chain: ChainRelay, URL: "ws://a", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ws://a")
}
