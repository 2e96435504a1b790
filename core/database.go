package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shrek82/jormpool/config"
	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/logger"
	"github.com/shrek82/jormpool/pool"
)

// Option customizes a Database at Open.
type Option func(*Database)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l logger.Logger) Option {
	return func(d *Database) {
		d.log = l
	}
}

// WithObserver receives connection and statement pool events.
func WithObserver(o pool.Observer) Option {
	return func(d *Database) {
		d.observer = o
	}
}

// WithMiddleware installs middlewares, outermost first.
func WithMiddleware(mws ...QueryMiddleware) Option {
	return func(d *Database) {
		d.pending = append(d.pending, mws...)
	}
}

// Database is the entry point of the access layer. It owns two independent
// pool stacks: one for regular work and one reserved for transactions, so a
// long transaction never starves ad-hoc queries and the other way round.
//
// Every operation runs through the middleware chain. Failures are returned and
// also recorded on the UserContext carried by the operation's context.
type Database struct {
	cfg      *config.Config
	db       *sql.DB
	driver   string
	profile  *dialect.Profile
	fold     dialect.CasePolicy
	log      logger.Logger
	observer pool.Observer

	regular *Stack
	tx      *Stack

	mu          sync.RWMutex
	middlewares []QueryMiddleware
	pending     []QueryMiddleware
	closed      atomic.Bool
}

// Open connects to the database described by cfg and builds both pool stacks.
// Any failure releases what was already built.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Database, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Database{
		cfg:      cfg,
		log:      logger.NewStdLogger(),
		observer: pool.NopObserver{},
	}
	if lvl, ok := logger.ParseLevel(cfg.Log.Level); ok {
		d.log.SetLevel(lvl)
	}
	d.log.SetFormat(logger.LogFormat(cfg.Log.Format))
	for _, o := range opts {
		o(d)
	}

	profile, ok := dialect.Resolve(cfg.Driver, cfg.URL)
	if !ok {
		d.log.Warn("no driver profile matches driver %q and url %q, using generic behavior", cfg.Driver, cfg.URL)
	}
	d.profile = profile
	d.driver = cfg.Driver
	if d.driver == "" {
		d.driver = profile.DriverName()
	}
	if d.driver == "" {
		return nil, fmt.Errorf("%w: cannot tell the driver from url %q", ErrConnectionFailed, cfg.URL)
	}
	d.fold = profile.Case
	if cfg.Case != "" {
		fold, err := dialect.ParseCase(cfg.Case)
		if err != nil {
			return nil, err
		}
		d.fold = fold
	}

	dsn, err := profile.DSN(cfg.URL, cfg.User, cfg.Password)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	// Slots own their connections; nothing may linger idle in database/sql.
	db.SetMaxIdleConns(0)
	d.db = db
	if err := db.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	base := StackOptions{
		Opener:        pool.DBOpener(db),
		Max:           cfg.MaxConnections,
		MaxStatements: cfg.MaxStatements,
		HealthCheck:   cfg.HealthCheck(),
		CheckInterval: cfg.CheckInterval,
		Profile:       profile,
		Schema:        cfg.Schema,
		Case:          d.fold,
		Logger:        d.log,
		Observer:      d.observer,
	}
	regular := base
	regular.Name = pool.Regular
	regular.Min = cfg.MinConnections
	regular.AutoCommit = true
	if d.regular, err = NewStack(ctx, regular); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	transaction := base
	transaction.Name = pool.Transaction
	transaction.Min = 1
	transaction.AutoCommit = false
	if d.tx, err = NewStack(ctx, transaction); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	pending := d.pending
	d.pending = nil
	if err := d.Use(pending...); err != nil {
		d.Close()
		return nil, err
	}
	d.log.Info("connected to %s with driver %s", profile.Name, d.driver)
	return d, nil
}

// Use installs middlewares after the ones already installed. Each is
// initialized first; on error none of the remaining ones are installed.
func (d *Database) Use(mws ...QueryMiddleware) error {
	for _, m := range mws {
		if err := m.Init(d); err != nil {
			return fmt.Errorf("middleware %s: %w", m.Name(), err)
		}
		d.mu.Lock()
		d.middlewares = append(d.middlewares, m)
		d.mu.Unlock()
	}
	return nil
}

// Config returns the configuration the database was opened with.
func (d *Database) Config() *config.Config { return d.cfg }

// Logger returns the database logger.
func (d *Database) Logger() logger.Logger { return d.log }

// Profile returns the resolved driver profile.
func (d *Database) Profile() *dialect.Profile { return d.profile }

// DriverName returns the database/sql driver in use.
func (d *Database) DriverName() string { return d.driver }

// Case returns the identifier case policy in effect.
func (d *Database) Case() dialect.CasePolicy { return d.fold }

// Fold applies the identifier case policy to identifier.
func (d *Database) Fold(identifier string) string { return d.fold.Fold(identifier) }

// Regular returns the stack used for ordinary work.
func (d *Database) Regular() *Stack { return d.regular }

// TransactionStack returns the stack reserved for transactions.
func (d *Database) TransactionStack() *Stack { return d.tx }

// Stats is a snapshot of both stacks.
type Stats struct {
	Regular     StackStats `json:"regular"`
	Transaction StackStats `json:"transaction"`
}

// Stats returns a snapshot of both stacks.
func (d *Database) Stats() Stats {
	var st Stats
	if d.regular != nil {
		st.Regular = d.regular.Stats()
	}
	if d.tx != nil {
		st.Transaction = d.tx.Stats()
	}
	return st
}

func (d *Database) run(ctx context.Context, op *Operation, final QueryFunc) (*Result, error) {
	if d.closed.Load() {
		recordError(ctx, ErrDatabaseClosed)
		return nil, ErrDatabaseClosed
	}
	if err := validSQL(op.SQL); err != nil {
		recordError(ctx, err)
		return nil, err
	}
	d.mu.RLock()
	mws := d.middlewares
	d.mu.RUnlock()
	res, err := chain(mws, final)(ctx, op)
	if err != nil {
		recordError(ctx, err)
		return res, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

func (d *Database) regularOp(ctx context.Context, op *Operation) (*Result, error) {
	op.Pool = pool.Regular
	return d.run(ctx, op, d.regular.execute)
}

func (d *Database) transactionOp(ctx context.Context, op *Operation) (*Result, error) {
	op.Pool = pool.Transaction
	return d.run(ctx, op, d.tx.execute)
}

// Query runs query on the regular stack and returns a cursor over its rows.
// entity may be nil for plain rows.
func (d *Database) Query(ctx context.Context, query string, entity ResultEntity, args ...any) (*RowCursor, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpQuery, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Cursor, nil
}

// FetchOne returns the first row of query, or nil when there is none.
func (d *Database) FetchOne(ctx context.Context, query string, entity ResultEntity, args ...any) (*Row, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpFetch, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// Evaluate returns the first column of the first row of query, or nil.
func (d *Database) Evaluate(ctx context.Context, query string, args ...any) (any, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpEvaluate, SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Update runs a mutation and returns the affected row count.
func (d *Database) Update(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args})
	return rowsAffected(res), err
}

// UpdateOne runs a mutation expected to change exactly one row. Zero rows is
// logged as a warning; more than one fails with ErrMultipleRowsAffected.
func (d *Database) UpdateOne(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args, ExpectOne: true})
	return rowsAffected(res), err
}

// Insert runs an insert into entity and returns the generated id, which is
// also recorded on the UserContext.
func (d *Database) Insert(ctx context.Context, entity string, query string, args ...any) (int64, error) {
	res, err := d.regularOp(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args, ExpectOne: true, InsertInto: entity})
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}

// Prepare returns a prepared statement from the regular stack, marked in use.
// Release it when done; a cursor it produced releases it when over.
func (d *Database) Prepare(ctx context.Context, query string) (*PooledPreparedStatement, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	return d.regular.prepared.Get(ctx, query)
}

// TransactionQuery runs query on the transaction stack.
func (d *Database) TransactionQuery(ctx context.Context, query string, entity ResultEntity, args ...any) (*RowCursor, error) {
	res, err := d.transactionOp(ctx, &Operation{Kind: OpQuery, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Cursor, nil
}

// TransactionFetchOne returns the first row of query, run on the transaction stack.
func (d *Database) TransactionFetchOne(ctx context.Context, query string, entity ResultEntity, args ...any) (*Row, error) {
	res, err := d.transactionOp(ctx, &Operation{Kind: OpFetch, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// TransactionEvaluate returns a scalar computed on the transaction stack.
func (d *Database) TransactionEvaluate(ctx context.Context, query string, args ...any) (any, error) {
	res, err := d.transactionOp(ctx, &Operation{Kind: OpEvaluate, SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// TransactionUpdate runs a mutation in its own transaction on the transaction
// stack: committed when it succeeds, rolled back otherwise.
func (d *Database) TransactionUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.transactionOp(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args})
	return rowsAffected(res), err
}

// TransactionPrepare returns a prepared statement from the transaction stack.
// Its updates stay uncommitted until Commit; releasing it rolls back whatever
// was not committed.
func (d *Database) TransactionPrepare(ctx context.Context, query string) (*PooledPreparedStatement, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	return d.tx.prepared.Get(ctx, query)
}

// Transaction runs fn in a transaction on a connection of its own, taken from
// the transaction stack. The transaction is committed if fn returns nil and
// rolled back if it returns an error or panics.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if d.closed.Load() {
		recordError(ctx, ErrDatabaseClosed)
		return ErrDatabaseClosed
	}
	slot, exclusive, err := d.tx.conns.Reserve(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		recordError(ctx, err)
		return err
	}
	defer slot.Leave()
	if !exclusive {
		err = fmt.Errorf("transaction: %w: no free connection", ErrPoolExhausted)
		recordError(ctx, err)
		return err
	}

	tx := &Tx{d: d, slot: slot}
	defer func() {
		if p := recover(); p != nil {
			start := time.Now()
			_ = slot.Rollback()
			d.log.SQL("ROLLBACK", time.Since(start))
			panic(p)
		} else if err != nil {
			start := time.Now()
			_ = slot.Rollback()
			d.log.SQL("ROLLBACK", time.Since(start))
			recordError(ctx, err)
		} else {
			start := time.Now()
			err = slot.Commit()
			d.log.SQL("COMMIT", time.Since(start))
			if err != nil {
				err = fmt.Errorf("transaction commit failed: %w", err)
				recordError(ctx, err)
			}
		}
	}()

	err = fn(tx)
	return err
}

// Close clears both stacks, shuts middlewares down and closes the connector.
// It is safe to call more than once and on a partially opened Database.
func (d *Database) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.regular != nil {
		d.regular.Clear()
	}
	if d.tx != nil {
		d.tx.Clear()
	}
	var errs []error
	d.mu.Lock()
	mws := d.middlewares
	d.middlewares = nil
	d.mu.Unlock()
	for _, m := range mws {
		if err := m.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("middleware %s: %w", m.Name(), err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close was called.
func (d *Database) Closed() bool { return d.closed.Load() }

func rowsAffected(res *Result) int64 {
	if res == nil {
		return 0
	}
	return res.RowsAffected
}
