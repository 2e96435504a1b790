package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/shrek82/jormpool/logger"
)

// ErrConnect wraps failures to open a new physical connection.
var ErrConnect = errors.New("cannot open connection")

// Pool names used by the Database facade.
const (
	Regular     = "regular"
	Transaction = "transaction"
)

// Opener returns a new dedicated physical connection.
type Opener func(ctx context.Context) (*sql.Conn, error)

// DBOpener opens connections from db. The *sql.DB should have MaxIdleConns set
// to zero so that closing a slot really closes the connection.
func DBOpener(db *sql.DB) Opener {
	return db.Conn
}

// Options configures a ConnPool.
type Options struct {
	Name string
	Min  int
	Max  int
	// AutoCommit false makes every slot run its statements in a transaction
	// that stays open until Commit or Rollback.
	AutoCommit bool
	// SchemaStatement is run on every new connection when not empty.
	SchemaStatement string
	Opener          Opener
	Logger          logger.Logger
	Observer        Observer
}

// Stats is a snapshot of a ConnPool.
type Stats struct {
	Name string
	Open int
	Busy int
	Idle int
	Max  int
}

// ConnPool owns a growable list of slots bounded by [Min, Max].
//
// Acquire never blocks and never fails because the pool is full: at Max it
// logs a warning and hands out a busy slot. Callers tolerate sharing a busy
// connection under heavy load instead of waiting for one.
type ConnPool struct {
	name       string
	min, max   int
	autoCommit bool
	schemaStmt string
	opener     Opener
	log        logger.Logger
	observer   Observer

	mu    sync.Mutex
	slots []*Slot
	next  int
}

// New creates a pool and opens Min connections. Any failure closes what was opened.
func New(ctx context.Context, opts Options) (*ConnPool, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("pool %s: opener is required", opts.Name)
	}
	if opts.Max <= 0 {
		opts.Max = 50
	}
	if opts.Min < 0 {
		opts.Min = 0
	}
	if opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	p := &ConnPool{
		name:       opts.Name,
		min:        opts.Min,
		max:        opts.Max,
		autoCommit: opts.AutoCommit,
		schemaStmt: opts.SchemaStatement,
		opener:     opts.Opener,
		log:        opts.Logger.WithFields(map[string]any{"pool": opts.Name}),
		observer:   opts.Observer,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.min; i++ {
		s, err := p.open(ctx)
		if err != nil {
			p.clearLocked()
			return nil, err
		}
		p.slots = append(p.slots, s)
	}
	return p, nil
}

// Name returns the pool name.
func (p *ConnPool) Name() string {
	return p.name
}

// Min returns the number of connections opened eagerly.
func (p *ConnPool) Min() int {
	return p.min
}

// Max returns the connection ceiling.
func (p *ConnPool) Max() int {
	return p.max
}

// Acquire returns the first open, non-busy slot, opening a new one if none is
// free and the pool is below Max. At Max it returns a busy slot.
func (p *ConnPool) Acquire(ctx context.Context) (*Slot, error) {
	s, _, err := p.acquire(ctx, false)
	return s, err
}

// Reserve is like Acquire but enters the returned slot before the pool lock is
// released, so no concurrent caller can be handed the same idle slot. The caller
// must Leave the slot when done. exclusive is false when the pool was full and
// the slot is shared with another user.
func (p *ConnPool) Reserve(ctx context.Context) (s *Slot, exclusive bool, err error) {
	return p.acquire(ctx, true)
}

func (p *ConnPool) acquire(ctx context.Context, reserve bool) (*Slot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.slots[:0]
	for _, s := range p.slots {
		if s.Closed() {
			p.observer.ConnClosed(p.name)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.slots); i++ {
		p.slots[i] = nil
	}
	p.slots = kept

	for _, s := range p.slots {
		if reserve {
			if s.TryEnter() {
				return s, true, nil
			}
		} else if s.Eligible() {
			return s, true, nil
		}
	}

	if len(p.slots) < p.max {
		s, err := p.open(ctx)
		if err != nil {
			return nil, false, err
		}
		p.slots = append(p.slots, s)
		if reserve {
			s.Enter()
		}
		return s, true, nil
	}

	if len(p.slots) == 0 {
		return nil, false, fmt.Errorf("pool %s: %w: no connections", p.name, ErrConnect)
	}
	p.observer.ConnExhausted(p.name)
	p.log.Warn("connection pool reached its maximum of %d connections, handing out a busy connection", p.max)
	s := p.slots[p.next%len(p.slots)]
	p.next++
	if reserve {
		s.Enter()
	}
	return s, false, nil
}

func (p *ConnPool) open(ctx context.Context) (*Slot, error) {
	conn, err := p.opener(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w: %w", p.name, ErrConnect, err)
	}
	s := NewSlot(conn, p.name, p.autoCommit)
	if p.schemaStmt != "" {
		s.Enter()
		_, err = conn.ExecContext(ctx, p.schemaStmt)
		s.Leave()
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("pool %s: %w: %s: %w", p.name, ErrConnect, p.schemaStmt, err)
		}
	}
	p.observer.ConnOpened(p.name)
	p.log.Debug("opened connection %s", s.ID)
	return s, nil
}

// Size returns the number of slots, including closed ones not yet swept.
func (p *ConnPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Stats returns a snapshot of the pool.
func (p *ConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Name: p.name, Max: p.max}
	for _, s := range p.slots {
		if s.Closed() {
			continue
		}
		st.Open++
		if s.Busy() {
			st.Busy++
		} else {
			st.Idle++
		}
	}
	return st
}

// Clear closes every slot and empties the pool. Close errors are logged and
// otherwise ignored. Calling Clear on an empty pool is a no-op.
func (p *ConnPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *ConnPool) clearLocked() {
	for _, s := range p.slots {
		wasOpen := !s.Closed()
		if err := s.Close(); err != nil {
			p.log.Warn("closing connection %s: %v", s.ID, err)
		}
		if wasOpen {
			p.observer.ConnClosed(p.name)
		}
	}
	p.slots = nil
}
