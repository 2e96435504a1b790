package pool

// Observer receives pool events, typically to feed metrics.
type Observer interface {
	ConnOpened(pool string)
	ConnClosed(pool string)
	// ConnExhausted is called when Acquire hands out a busy slot.
	ConnExhausted(pool string)
	// StatementsExhausted is called when a statement pool refuses a new entry.
	StatementsExhausted(pool string, kind string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ConnOpened(string)                  {}
func (NopObserver) ConnClosed(string)                  {}
func (NopObserver) ConnExhausted(string)               {}
func (NopObserver) StatementsExhausted(string, string) {}
