package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/logger"
	"github.com/shrek82/jormpool/pool"
)

func TestStatementPoolConcurrentGetsAreDistinct(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	ctx := context.Background()

	const n = 8
	got := make([]*PooledStatement, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Statements().Get(ctx)
			if assert.NoError(t, err) {
				got[i] = st
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[*PooledStatement]bool)
	for _, st := range got {
		require.NotNil(t, st)
		assert.True(t, st.InUse())
		assert.False(t, seen[st], "statement %s handed out twice", st.ID())
		seen[st] = true
	}
	assert.Equal(t, n, s.Statements().Size())

	for _, st := range got {
		st.Release()
	}
	for _, st := range got {
		assert.False(t, st.InUse())
		assert.Equal(t, 0, st.Slot().BusyCount())
	}
}

func TestStatementPoolPinnedGetsHoldDistinctConnections(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{Name: pool.Transaction, AutoCommit: false, Max: 10})
	ctx := context.Background()

	const n = 4
	got := make([]*PooledStatement, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Statements().Get(ctx)
			if assert.NoError(t, err) {
				got[i] = st
			}
		}(i)
	}
	wg.Wait()

	slots := make(map[*pool.Slot]bool)
	for _, st := range got {
		require.NotNil(t, st)
		assert.Equal(t, 1, st.Slot().BusyCount(), "an in-use pinned statement holds its connection")
		assert.False(t, slots[st.Slot()], "connection shared between pinned statements")
		slots[st.Slot()] = true
	}
	for _, st := range got {
		st.Release()
		assert.Equal(t, 0, st.Slot().BusyCount())
	}
}

func TestStatementPoolPinnedRefusesBusyConnection(t *testing.T) {
	obs := &countingObserver{}
	s, db := newTestStack(t, StackOptions{Name: pool.Transaction, AutoCommit: false, Max: 1, Observer: obs})
	ctx := context.Background()
	uc := NewUserContext()

	held, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	_, err = held.UpdateOne(ctx, "INSERT INTO items (a, b) VALUES (?, ?)", 3, "z")
	require.NoError(t, err)

	_, err = s.Statements().Get(WithUserContext(ctx, uc))
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, uc.Err(), ErrPoolExhausted)
	assert.Equal(t, 1, obs.refusals("statement"))
	assert.Equal(t, 1, s.Statements().Size())
	assert.Equal(t, 1, held.Slot().BusyCount())
	assert.True(t, held.Slot().InTransaction(), "the open transaction is untouched")

	require.NoError(t, held.Commit())
	held.Release()
	assert.Equal(t, 3, countItems(t, db))

	again, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	assert.Same(t, held, again)
	again.Release()
}

func TestStatementPoolInsertIDsWithFollowUpQuery(t *testing.T) {
	byQuery := *sqliteProfile(t)
	byQuery.Name = "sqlite-query"
	byQuery.LastInsertID = dialect.LastInsertIDQuery
	byQuery.LastInsertIDQuery = "SELECT last_insert_rowid()"

	const workers, inserts = 8, 50
	log, _ := bufferLogger(logger.LevelError)
	s, db := newTestStack(t, StackOptions{
		AutoCommit:    true,
		Max:           1,
		MaxStatements: workers * inserts,
		Profile:       &byQuery,
		Logger:        log,
	})
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids = make(map[int64]int)
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < inserts; i++ {
				a := 100 + w*inserts + i
				st, err := s.Statements().Get(ctx)
				if !assert.NoError(t, err) {
					return
				}
				_, err = st.UpdateOne(ctx, "INSERT INTO items (a, b) VALUES (?, 'c')", a)
				id, idErr := st.LastInsertID(ctx)
				st.Release()
				if !assert.NoError(t, err) || !assert.NoError(t, idErr) {
					return
				}
				mu.Lock()
				ids[id] = a
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, ids, workers*inserts, "every insert reported its own id")
	for id, a := range ids {
		var got int
		require.NoError(t, db.QueryRow("SELECT a FROM items WHERE id = ?", id).Scan(&got))
		assert.Equal(t, a, got, "row %d", id)
	}
}

func TestStatementFollowUpQueryHoldsConnection(t *testing.T) {
	byQuery := *sqliteProfile(t)
	byQuery.LastInsertID = dialect.LastInsertIDQuery
	byQuery.LastInsertIDQuery = "SELECT last_insert_rowid()"
	s, _ := newTestStack(t, StackOptions{AutoCommit: true, Max: 1, Profile: &byQuery})
	ctx := context.Background()

	st, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	_, err = st.Update(ctx, "INSERT INTO items (a, b) VALUES (?, ?)", 3, "z")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Slot().BusyCount(), "busy until the id is read")

	other, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	require.Same(t, st.Slot(), other.Slot())
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = other.Update(waitCtx, "INSERT INTO items (a, b) VALUES (?, ?)", 4, "w")
	require.ErrorIs(t, err, context.DeadlineExceeded, "no insert between an update and its id query")
	other.Release()

	id, err := st.LastInsertID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.Equal(t, 0, st.Slot().BusyCount())
	st.Release()

	// Release alone also gives the session back.
	st, err = s.Statements().Get(ctx)
	require.NoError(t, err)
	_, err = st.Update(ctx, "INSERT INTO items (a, b) VALUES (?, ?)", 5, "v")
	require.NoError(t, err)
	st.Release()
	assert.Equal(t, 0, st.Slot().BusyCount())

	st, err = s.Statements().Get(ctx)
	require.NoError(t, err)
	defer st.Release()
	_, err = st.Update(ctx, "INSERT INTO items (a, b) VALUES (?, ?)", 6, "u")
	require.NoError(t, err)
}

func TestStatementPoolCeiling(t *testing.T) {
	obs := &countingObserver{}
	s, _ := newTestStack(t, StackOptions{AutoCommit: true, MaxStatements: 3, Observer: obs})
	ctx := context.Background()
	uc := NewUserContext()
	uctx := WithUserContext(ctx, uc)

	var held []*PooledPreparedStatement
	for _, q := range []string{"SELECT 1", "SELECT 2", "SELECT 3"} {
		st, err := s.Prepared().Get(ctx, q)
		require.NoError(t, err)
		held = append(held, st)
	}

	_, err := s.Prepared().Get(uctx, "SELECT 4")
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, uc.Err(), ErrPoolExhausted)
	assert.Equal(t, 1, obs.refusals("prepared statement"))
	assert.Equal(t, 3, s.Prepared().Size())

	for _, st := range held {
		st.Release()
	}
	st, err := s.Prepared().Get(ctx, "SELECT 1")
	require.NoError(t, err, "a free entry is reused even at the ceiling")
	assert.Same(t, held[0], st)
	st.Release()
}

func TestStatementPoolSimpleCeiling(t *testing.T) {
	obs := &countingObserver{}
	s, _ := newTestStack(t, StackOptions{AutoCommit: true, MaxStatements: 2, Observer: obs})
	ctx := context.Background()

	a, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	b, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	_, err = s.Statements().Get(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 1, obs.refusals("statement"))
	a.Release()
	b.Release()
}

func TestStatementPoolReusesReleasedEntry(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	ctx := context.Background()

	first, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	v, err := first.Evaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.False(t, first.InUse(), "evaluate releases the statement")

	again, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, s.Statements().Size())
	again.Release()
}

func TestStatementPoolReleaseIsIdempotent(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	st, err := s.Statements().Get(context.Background())
	require.NoError(t, err)
	st.Release()
	st.Release()
	assert.False(t, st.InUse())
	assert.Equal(t, 1, s.Statements().Size())
}

func TestStatementPoolReplacesDeadConnection(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true, HealthCheck: true, CheckInterval: 0})
	ctx := context.Background()

	st, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	dead := st.Slot()
	st.Release()

	ps, err := s.Prepared().Get(ctx, "SELECT a FROM items")
	require.NoError(t, err)
	require.Same(t, dead, ps.Slot())
	ps.Release()
	require.Equal(t, 1, s.Prepared().SizeOf("SELECT a FROM items"))

	// Kill the connection behind the pool's back.
	require.NoError(t, dead.Conn().Close())

	next, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	defer next.Release()
	assert.NotSame(t, st, next)
	assert.NotSame(t, dead, next.Slot())
	assert.False(t, st.Valid())
	assert.True(t, dead.Closed())
	assert.Equal(t, 0, s.Prepared().SizeOf("SELECT a FROM items"), "prepared statements on the dead connection are dropped")

	v, err := next.Evaluate(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestStatementPoolSkipsCheckWhenDisabled(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	ctx := context.Background()

	st, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	st.Release()
	st.Slot().MarkSuspect()

	again, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	assert.Same(t, st, again)
	assert.True(t, again.Slot().Suspect(), "no health check ran")
	again.Release()
}

func TestPreparedPoolScopesBySQL(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	ctx := context.Background()

	a, err := s.Prepared().Get(ctx, "SELECT a FROM items WHERE id = ?")
	require.NoError(t, err)
	b, err := s.Prepared().Get(ctx, "SELECT b FROM items WHERE id = ?")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, "SELECT a FROM items WHERE id = ?", a.SQL())

	v, err := a.Evaluate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	row, err := b.FetchOne(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", row.Get("b"))

	again, err := s.Prepared().Get(ctx, "SELECT a FROM items WHERE id = ?")
	require.NoError(t, err)
	assert.Same(t, a, again)
	again.Release()

	assert.Equal(t, 1, s.Prepared().SizeOf("SELECT a FROM items WHERE id = ?"))
	assert.Equal(t, 2, s.Prepared().Size())
}

func TestPreparedPoolRejectsBadSQL(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true})
	ctx := context.Background()
	uc := NewUserContext()

	_, err := s.Prepared().Get(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidSQL)

	_, err = s.Prepared().Get(WithUserContext(ctx, uc), "SELEC nothing")
	require.Error(t, err)
	assert.Error(t, uc.Err())
	assert.Equal(t, 0, s.Prepared().Size())
}

func TestStackClearIsIdempotent(t *testing.T) {
	s, _ := newTestStack(t, StackOptions{AutoCommit: true, Min: 2})
	ctx := context.Background()

	st, err := s.Statements().Get(ctx)
	require.NoError(t, err)
	ps, err := s.Prepared().Get(ctx, "SELECT 1")
	require.NoError(t, err)

	s.Clear()
	s.Clear()
	assert.Equal(t, StackStats{Conns: pool.Stats{Name: pool.Regular, Max: 10}}, s.Stats())
	assert.False(t, st.Valid())
	assert.False(t, ps.Valid())

	_, err = st.Evaluate(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrStatementClosed)
}
