package middleware

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/logger"
)

// SlowOperationLog reports operations that spend longer than Threshold going
// through a pool stack, with the connection counts of that stack at the time.
// For queries the time covers running the statement, not iterating the cursor.
type SlowOperationLog struct {
	Threshold time.Duration
	LogPath   string

	log  logger.Logger
	file *os.File
	db   *core.Database
}

// NewSlowLog reports operations slower than threshold to the file at logPath,
// or to standard output when logPath is empty.
func NewSlowLog(threshold time.Duration, logPath string) *SlowOperationLog {
	return &SlowOperationLog{
		Threshold: threshold,
		LogPath:   logPath,
	}
}

// SetOutput sends the reports to w instead of LogPath.
func (m *SlowOperationLog) SetOutput(w io.Writer) {
	m.log = newSlowLogger(w)
}

func newSlowLogger(w io.Writer) logger.Logger {
	l := logger.NewStdLogger()
	l.SetOutput(w)
	l.SetLevel(logger.LevelWarn)
	return l.WithFields(map[string]any{"component": "slowlog"})
}

func (m *SlowOperationLog) Name() string {
	return "SlowLog"
}

func (m *SlowOperationLog) Init(db *core.Database) error {
	m.db = db
	if m.log != nil {
		return nil
	}
	if m.LogPath == "" {
		m.log = newSlowLogger(os.Stdout)
		return nil
	}
	f, err := os.OpenFile(m.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("slow log %s: %w", m.LogPath, err)
	}
	m.file = f
	m.log = newSlowLogger(f)
	return nil
}

func (m *SlowOperationLog) Shutdown() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *SlowOperationLog) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	start := time.Now()
	res, err := next(ctx, op)
	elapsed := time.Since(start)
	if elapsed <= m.Threshold {
		return res, err
	}

	fields := map[string]any{
		"pool":    op.Pool,
		"op":      string(op.Kind),
		"elapsed": elapsed,
		"sql":     op.SQL,
	}
	if len(op.Args) > 0 {
		fields["args"] = op.Args
	}
	if op.Entity != nil {
		fields["entity"] = op.Entity.Name()
	}
	if op.InsertInto != "" {
		fields["insert_into"] = op.InsertInto
	}
	if res != nil {
		switch op.Kind {
		case core.OpUpdate:
			fields["rows"] = res.RowsAffected
			if op.InsertInto != "" {
				fields["id"] = res.LastInsertID
			}
		case core.OpFetch:
			fields["found"] = res.Row != nil
		}
	}
	if m.db != nil {
		conns := m.stackStats(op.Pool).Conns
		fields["busy"] = fmt.Sprintf("%d/%d", conns.Busy, conns.Max)
	}

	l := m.log.WithFields(fields)
	if err != nil {
		l.Warn("slow %s failed after %v: %v", op.Kind, elapsed.Round(time.Microsecond), err)
		return res, err
	}
	l.Warn("slow %s took %v", op.Kind, elapsed.Round(time.Microsecond))
	return res, err
}

func (m *SlowOperationLog) stackStats(name string) core.StackStats {
	st := m.db.Stats()
	if name == st.Transaction.Conns.Name {
		return st.Transaction
	}
	return st.Regular
}
