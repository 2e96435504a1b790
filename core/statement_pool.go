package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/shrek82/jormpool/pool"
)

// pooled is implemented by *PooledStatement and *PooledPreparedStatement.
type pooled interface {
	base() *entry
	closeNative() error
}

type createFunc func(ctx context.Context, slot *pool.Slot) (pooled, error)

// entryPool holds statement entries grouped by key. The simple statement pool
// uses a single key; the prepared pool keys entries by SQL text.
type entryPool struct {
	kind  string
	stack *Stack

	mu      sync.Mutex
	entries map[string][]pooled
	count   int
}

func (p *entryPool) setup(stack *Stack, kind string) {
	p.stack = stack
	p.kind = kind
	p.entries = make(map[string][]pooled)
}

// get hands out a free entry for key, creating one when none is free. Reused
// entries whose connection is suspect or idle too long are validated first;
// a dead connection is dropped with all its entries and selection starts over.
func (p *entryPool) get(ctx context.Context, key string, create createFunc) (pooled, error) {
	for {
		p.mu.Lock()
		e, stale := p.pickLocked(key)
		if e == nil {
			ne, err := p.createLocked(ctx, key, create)
			p.mu.Unlock()
			p.closeAll(stale)
			return ne, err
		}
		p.mu.Unlock()
		p.closeAll(stale)

		b := e.base()
		if p.stack.needsCheck(b.slot) {
			if err := b.slot.Ping(ctx, p.stack.profile.PingQuery); err != nil {
				if ctx.Err() != nil {
					b.Release()
					return nil, ctx.Err()
				}
				p.stack.log.Warn("connection %s failed its health check, replacing it: %v", b.slot.ID, err)
				p.stack.dropConnection(b.slot)
				continue
			}
		}
		b.tag()
		return e, nil
	}
}

// pickLocked selects and marks in use the first free entry for key. Entries
// whose connection is closed are removed and returned as stale.
func (p *entryPool) pickLocked(key string) (picked pooled, stale []pooled) {
	list := p.entries[key]
	kept := list[:0]
	for _, e := range list {
		b := e.base()
		if b.slot.Closed() || !b.Valid() {
			b.valid.Store(false)
			stale = append(stale, e)
			p.count--
			continue
		}
		kept = append(kept, e)
		if picked == nil && b.acquire() {
			picked = e
		}
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}
	if len(kept) == 0 {
		delete(p.entries, key)
	} else {
		p.entries[key] = kept
	}
	return picked, stale
}

func (p *entryPool) createLocked(ctx context.Context, key string, create createFunc) (pooled, error) {
	if p.count >= p.stack.maxStatements {
		p.stack.observer.StatementsExhausted(p.stack.name, p.kind)
		err := fmt.Errorf("%s pool %s: %w: %d entries", p.kind, p.stack.name, ErrPoolExhausted, p.count)
		p.stack.log.Error("%v", err)
		return nil, err
	}
	var (
		slot *pool.Slot
		err  error
	)
	if p.stack.pinned {
		var exclusive bool
		slot, exclusive, err = p.stack.conns.Reserve(ctx)
		if err == nil && !exclusive {
			// A pinned statement owns the transaction open on its connection.
			slot.Leave()
			p.stack.observer.StatementsExhausted(p.stack.name, p.kind)
			err := fmt.Errorf("%s pool %s: %w: every connection holds a transaction (maximum of %d connections)",
				p.kind, p.stack.name, ErrPoolExhausted, p.stack.conns.Max())
			p.stack.log.Error("%v", err)
			return nil, err
		}
	} else {
		slot, err = p.stack.conns.Acquire(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	e, err := create(ctx, slot)
	if err != nil {
		if p.stack.pinned {
			slot.Leave()
		}
		return nil, err
	}
	e.base().inUse.Store(true)
	p.entries[key] = append(p.entries[key], e)
	p.count++
	p.stack.log.Debug("new %s %s on connection %s", p.kind, e.base().id, slot.ID)
	return e, nil
}

// dropSlot invalidates, removes and closes every entry bound to slot.
func (p *entryPool) dropSlot(slot *pool.Slot) {
	p.mu.Lock()
	var victims []pooled
	for key, list := range p.entries {
		kept := list[:0]
		for _, e := range list {
			if e.base().slot == slot {
				e.base().valid.Store(false)
				victims = append(victims, e)
				p.count--
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(list); i++ {
			list[i] = nil
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
	}
	p.mu.Unlock()
	p.closeAll(victims)
}

func (p *entryPool) clear() {
	p.mu.Lock()
	var all []pooled
	for _, list := range p.entries {
		all = append(all, list...)
	}
	p.entries = make(map[string][]pooled)
	p.count = 0
	p.mu.Unlock()
	p.closeAll(all)
}

func (p *entryPool) closeAll(list []pooled) {
	for _, e := range list {
		if err := e.base().close(e.closeNative); err != nil {
			p.stack.log.Warn("closing %s %s: %v", p.kind, e.base().id, err)
		}
	}
}

func (p *entryPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// StatementPool recycles simple statements across callers.
type StatementPool struct {
	entryPool
}

func newStatementPool(stack *Stack) *StatementPool {
	p := &StatementPool{}
	p.setup(stack, "statement")
	return p
}

// Get returns a free statement marked in use, creating one if needed. It fails
// with ErrPoolExhausted once the pool holds its maximum number of statements.
func (p *StatementPool) Get(ctx context.Context) (*PooledStatement, error) {
	e, err := p.get(ctx, "", func(ctx context.Context, slot *pool.Slot) (pooled, error) {
		return newPooledStatement(p.stack, slot, p.stack.pinned), nil
	})
	if err != nil {
		recordError(ctx, err)
		return nil, err
	}
	return e.(*PooledStatement), nil
}

// Clear closes and forgets every statement. Safe to call more than once.
func (p *StatementPool) Clear() {
	p.clear()
}

// Size returns the number of statements in the pool.
func (p *StatementPool) Size() int {
	return p.size()
}

// PreparedStatementPool recycles prepared statements per SQL text.
type PreparedStatementPool struct {
	entryPool
}

func newPreparedStatementPool(stack *Stack) *PreparedStatementPool {
	p := &PreparedStatementPool{}
	p.setup(stack, "prepared statement")
	return p
}

// Get returns a free statement prepared with exactly query, marked in use,
// preparing a new one on a pooled connection if needed. It fails with
// ErrPoolExhausted once the pool holds its maximum number of statements.
func (p *PreparedStatementPool) Get(ctx context.Context, query string) (*PooledPreparedStatement, error) {
	if err := validSQL(query); err != nil {
		return nil, err
	}
	e, err := p.get(ctx, query, func(ctx context.Context, slot *pool.Slot) (pooled, error) {
		slot.Enter()
		stmt, err := slot.Conn().PrepareContext(ctx, query)
		slot.Leave()
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", query, p.stack.classify(slot, err))
		}
		return newPooledPreparedStatement(p.stack, slot, p.stack.pinned, query, stmt), nil
	})
	if err != nil {
		recordError(ctx, err)
		return nil, err
	}
	return e.(*PooledPreparedStatement), nil
}

// Clear closes and forgets every prepared statement. Safe to call more than once.
func (p *PreparedStatementPool) Clear() {
	p.clear()
}

// Size returns the number of prepared statements, all SQL texts together.
func (p *PreparedStatementPool) Size() int {
	return p.size()
}

// SizeOf returns the number of statements prepared with query.
func (p *PreparedStatementPool) SizeOf(query string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[query])
}
