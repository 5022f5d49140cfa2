package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is an in-process gateway used by tests. It hands out sequential
// order ids and can be told to fail.
type Fake struct {
	calls atomic.Int64

	mu  sync.Mutex
	err error
}

func (f *Fake) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	n := f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:       fmt.Sprintf("order_fake%d", n),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}, nil
}

func (f *Fake) Calls() int { return int(f.calls.Load()) }

// SetErr makes every following call fail with err.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
