package jormpool

import (
	"github.com/shrek82/jormpool/config"
	"github.com/shrek82/jormpool/core"
)

// Re-export core types and functions
type (
	Database     = core.Database
	Tx           = core.Tx
	Config       = config.Config
	Option       = core.Option
	Registry     = core.Registry
	Row          = core.Row
	RowCursor    = core.RowCursor
	UserContext  = core.UserContext
	ResultEntity = core.ResultEntity
	Middleware   = core.QueryMiddleware
	Stats        = core.Stats
)

var (
	Open            = core.Open
	NewRegistry     = core.NewRegistry
	NewUserContext  = core.NewUserContext
	WithUserContext = core.WithUserContext
	WithLogger      = core.WithLogger
	WithObserver    = core.WithObserver
	WithMiddleware  = core.WithMiddleware
	LoadConfig      = config.Load
	LoadDotEnv      = config.LoadDotEnv
)

// Errors
var (
	ErrConnectionFailed        = core.ErrConnectionFailed
	ErrPoolExhausted           = core.ErrPoolExhausted
	ErrMultipleRowsAffected    = core.ErrMultipleRowsAffected
	ErrLastInsertIDUnsupported = core.ErrLastInsertIDUnsupported
	ErrStatementClosed         = core.ErrStatementClosed
	ErrStatementReleased       = core.ErrStatementReleased
	ErrDatabaseClosed          = core.ErrDatabaseClosed
	ErrInvalidSQL              = core.ErrInvalidSQL
	ErrConfigNotFound          = config.ErrConfigNotFound
)
