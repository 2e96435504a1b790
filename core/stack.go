package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/logger"
	"github.com/shrek82/jormpool/pool"
)

// StackOptions configures a Stack.
type StackOptions struct {
	Name   string
	Opener pool.Opener
	Min    int
	Max    int
	// AutoCommit false runs statements in transactions held open on their
	// connection until committed, rolled back, or the statement is released.
	AutoCommit    bool
	MaxStatements int
	HealthCheck   bool
	// CheckInterval is how long a connection may stay idle before it is
	// validated on reuse. Zero validates on every reuse.
	CheckInterval time.Duration
	Profile       *dialect.Profile
	Schema        string
	Case          dialect.CasePolicy
	Logger        logger.Logger
	Observer      pool.Observer
}

// StackStats is a snapshot of a Stack.
type StackStats struct {
	Conns      pool.Stats `json:"conns"`
	Statements int        `json:"statements"`
	Prepared   int        `json:"prepared"`
}

// Stack is a connection pool together with the simple and prepared statement
// pools drawing from it. A Database owns one for regular work and one for
// transactions.
type Stack struct {
	name          string
	conns         *pool.ConnPool
	statements    *StatementPool
	prepared      *PreparedStatementPool
	profile       *dialect.Profile
	fold          dialect.CasePolicy
	log           logger.Logger
	observer      pool.Observer
	healthCheck   bool
	checkInterval time.Duration
	maxStatements int
	pinned        bool
}

// NewStack opens the connection pool and sets up empty statement pools.
func NewStack(ctx context.Context, opts StackOptions) (*Stack, error) {
	if opts.Profile == nil {
		opts.Profile = dialect.Unknown
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = pool.NopObserver{}
	}
	if opts.MaxStatements <= 0 {
		opts.MaxStatements = 50
	}
	if opts.CheckInterval < 0 {
		opts.CheckInterval = 0
	}
	log := opts.Logger.WithFields(map[string]any{"stack": opts.Name})
	conns, err := pool.New(ctx, pool.Options{
		Name:            opts.Name,
		Min:             opts.Min,
		Max:             opts.Max,
		AutoCommit:      opts.AutoCommit,
		SchemaStatement: opts.Profile.SchemaStatement(opts.Schema),
		Opener:          opts.Opener,
		Logger:          opts.Logger,
		Observer:        opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	s := &Stack{
		name:          opts.Name,
		conns:         conns,
		profile:       opts.Profile,
		fold:          opts.Case,
		log:           log,
		observer:      opts.Observer,
		healthCheck:   opts.HealthCheck,
		checkInterval: opts.CheckInterval,
		maxStatements: opts.MaxStatements,
		pinned:        !opts.AutoCommit,
	}
	s.statements = newStatementPool(s)
	s.prepared = newPreparedStatementPool(s)
	return s, nil
}

// Name returns the stack name.
func (s *Stack) Name() string { return s.name }

// Conns returns the connection pool.
func (s *Stack) Conns() *pool.ConnPool { return s.conns }

// Statements returns the simple statement pool.
func (s *Stack) Statements() *StatementPool { return s.statements }

// Prepared returns the prepared statement pool.
func (s *Stack) Prepared() *PreparedStatementPool { return s.prepared }

// Profile returns the driver profile used by the stack.
func (s *Stack) Profile() *dialect.Profile { return s.profile }

func (s *Stack) needsCheck(slot *pool.Slot) bool {
	if !s.healthCheck {
		return false
	}
	return slot.Suspect() || slot.Idle() >= s.checkInterval
}

// dropConnection invalidates and closes every statement bound to slot, then
// discards the connection.
func (s *Stack) dropConnection(slot *pool.Slot) {
	s.statements.dropSlot(slot)
	s.prepared.dropSlot(slot)
	if err := slot.Discard(); err != nil {
		s.log.Warn("discarding connection %s: %v", slot.ID, err)
	}
}

func (s *Stack) classify(slot *pool.Slot, err error) error {
	if dialect.IsConnectionError(err) {
		slot.MarkSuspect()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return err
}

// Stats returns a snapshot of the stack.
func (s *Stack) Stats() StackStats {
	return StackStats{
		Conns:      s.conns.Stats(),
		Statements: s.statements.Size(),
		Prepared:   s.prepared.Size(),
	}
}

// Clear closes every statement, then every connection. Safe to call more than once.
func (s *Stack) Clear() {
	s.statements.Clear()
	s.prepared.Clear()
	s.conns.Clear()
}

// execute runs op on a pooled statement of the stack.
func (s *Stack) execute(ctx context.Context, op *Operation) (*Result, error) {
	st, err := s.statements.Get(ctx)
	if err != nil {
		return nil, err
	}
	return executeOn(ctx, st, op, true)
}

// executeOn runs op on st. With autoEnd set, an update on a connection without
// autocommit is committed once it succeeded.
func executeOn(ctx context.Context, st *PooledStatement, op *Operation, autoEnd bool) (*Result, error) {
	switch op.Kind {
	case OpQuery:
		c, err := st.Query(ctx, op.SQL, op.Entity, op.Args...)
		if err != nil {
			return nil, err
		}
		return &Result{Cursor: c}, nil
	case OpFetch:
		row, err := st.FetchOne(ctx, op.SQL, op.Entity, op.Args...)
		if err != nil {
			return nil, err
		}
		return &Result{Row: row}, nil
	case OpEvaluate:
		v, err := st.Evaluate(ctx, op.SQL, op.Args...)
		if err != nil {
			return nil, err
		}
		return &Result{Value: v}, nil
	case OpUpdate:
		defer st.Release()
		var (
			n   int64
			err error
		)
		if op.ExpectOne {
			n, err = st.UpdateOne(ctx, op.SQL, op.Args...)
		} else {
			n, err = st.Update(ctx, op.SQL, op.Args...)
		}
		res := &Result{RowsAffected: n}
		if err != nil {
			return res, err
		}
		if op.InsertInto != "" {
			id, err := st.LastInsertID(ctx)
			if err != nil {
				return res, err
			}
			res.LastInsertID = id
			UserContextFrom(ctx).SetLastInsertID(op.InsertInto, id)
		}
		if autoEnd && !st.slot.AutoCommit() {
			if err := st.Commit(); err != nil {
				return res, err
			}
		}
		return res, nil
	}
	st.Release()
	return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidSQL, op.Kind)
}
