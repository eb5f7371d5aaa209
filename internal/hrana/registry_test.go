package hrana

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// fakeConn is a no-op ConnHandle used so registry tests never need a real
// SQL connection.
type fakeConn struct{ closed bool }

func (c *fakeConn) Exec(ctx context.Context, f func(context.Context, sqlengine.Engine)) error {
	return nil
}
func (c *fakeConn) Close()                                                  { c.closed = true }

func newTestRegistry(t *testing.T, idleTimeout time.Duration) *Registry {
	t.Helper()
	r, err := NewRegistry(idleTimeout, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func freshFactory() ConnFactory {
	return func(ctx context.Context) (ConnHandle, error) {
		return &fakeConn{}, nil
	}
}

func TestRegistry_AcquireNewStream(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, err := r.Acquire(context.Background(), nil, freshFactory())
	require.NoError(t, err)
	require.NotNil(t, guard.Conn(), "expected a connection handle on a freshly created stream")
}

func TestRegistry_BatonResumption(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, err := r.Acquire(context.Background(), nil, freshFactory())
	require.NoError(t, err)

	baton, err := r.Release(guard, false)
	require.NoError(t, err)
	require.NotEmpty(t, baton)

	guard2, err := r.Acquire(context.Background(), &baton, freshFactory())
	require.NoError(t, err)
	require.NotNil(t, guard2, "expected a guard resuming the released stream")
}

func TestRegistry_BatonReuseRejected(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, _ := r.Acquire(context.Background(), nil, freshFactory())
	baton, err := r.Release(guard, false)
	require.NoError(t, err)

	// First resumption succeeds and mints a new baton.
	guard2, err := r.Acquire(context.Background(), &baton, freshFactory())
	require.NoError(t, err)
	_, err = r.Release(guard2, false)
	require.NoError(t, err)

	// Reusing the first (now stale) baton must fail.
	_, err = r.Acquire(context.Background(), &baton, freshFactory())
	require.ErrorIs(t, err, errBatonReused)
}

func TestRegistry_DoubleCheckoutRejected(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, _ := r.Acquire(context.Background(), nil, freshFactory())
	baton, err := r.Release(guard, false)
	require.NoError(t, err)

	guard2, err := r.Acquire(context.Background(), &baton, freshFactory())
	require.NoError(t, err)

	// The stream is now checked out by guard2 (not yet released); a second
	// acquire of the same baton must be rejected, never hand out a second
	// live guard on the same stream.
	_, err = r.Acquire(context.Background(), &baton, freshFactory())
	require.ErrorIs(t, err, errBatonReused)
	_ = guard2
}

func TestRegistry_ForeignBatonRejected(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	other := newTestRegistry(t, time.Minute)
	guard, _ := other.Acquire(context.Background(), nil, freshFactory())
	baton, _ := other.Release(guard, false)

	// A baton minted under a different registry's key fails MAC
	// verification before the stream lookup even happens.
	_, err := r.Acquire(context.Background(), &baton, freshFactory())
	require.Error(t, err)
}

func TestRegistry_CloseDiscardsStream(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, _ := r.Acquire(context.Background(), nil, freshFactory())
	conn := guard.Conn().(*fakeConn)

	_, err := r.Release(guard, true)
	require.NoError(t, err)
	require.True(t, conn.closed, "expected the connection to be closed on stream close")
}

func TestRegistry_ExpireIdleStream(t *testing.T) {
	r := newTestRegistry(t, time.Millisecond)
	guard, _ := r.Acquire(context.Background(), nil, freshFactory())
	conn := guard.Conn().(*fakeConn)
	_, err := r.Release(guard, false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.expireOnce()

	require.True(t, conn.closed, "expected idle stream's connection to be closed by expireOnce")
}

func TestRegistry_SqlCache(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	guard, _ := r.Acquire(context.Background(), nil, freshFactory())

	guard.StoreSQL(1, "SELECT ?")
	sqlText, ok := guard.LookupSQL(1)
	require.True(t, ok)
	require.Equal(t, "SELECT ?", sqlText)

	guard.CloseSQL(1)
	_, ok = guard.LookupSQL(1)
	require.False(t, ok, "expected sql_id 1 to be gone after CloseSQL")
}
