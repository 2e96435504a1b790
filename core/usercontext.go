package core

import (
	"context"
	"sync"
)

// UserContext carries per-caller state across Database calls: the last error
// and the ids generated by the last insert into each entity. Collaborators
// attach one to the context they pass in and inspect it afterwards.
//
// All methods are safe on a nil *UserContext, which records nothing.
type UserContext struct {
	mu      sync.Mutex
	err     error
	lastIDs map[string]int64
}

type userContextKey struct{}

// NewUserContext returns an empty UserContext.
func NewUserContext() *UserContext {
	return &UserContext{lastIDs: make(map[string]int64)}
}

// WithUserContext returns a copy of ctx carrying uc.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, uc)
}

// UserContextFrom returns the UserContext carried by ctx, or nil.
func UserContextFrom(ctx context.Context) *UserContext {
	if ctx == nil {
		return nil
	}
	uc, _ := ctx.Value(userContextKey{}).(*UserContext)
	return uc
}

// SetError records err as the last error. A nil err is ignored.
func (u *UserContext) SetError(err error) {
	if u == nil || err == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
}

// Err returns the last recorded error.
func (u *UserContext) Err() error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// LastError returns the message of the last recorded error, or "".
func (u *UserContext) LastError() string {
	if err := u.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// ClearError forgets the last error.
func (u *UserContext) ClearError() {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = nil
}

// SetLastInsertID records the id generated by the last insert into entity.
func (u *UserContext) SetLastInsertID(entity string, id int64) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastIDs == nil {
		u.lastIDs = make(map[string]int64)
	}
	u.lastIDs[entity] = id
}

// LastInsertID returns the id generated by the last insert into entity.
func (u *UserContext) LastInsertID(entity string) (int64, bool) {
	if u == nil {
		return 0, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	id, ok := u.lastIDs[entity]
	return id, ok
}

func recordError(ctx context.Context, err error) {
	UserContextFrom(ctx).SetError(err)
}
