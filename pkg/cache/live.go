package cache

import (
	"context"

	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
)

// LiveQuery is a standing query subscribed to cache change
// notifications. Nothing is published on subscription; the first
// delivery follows the first patch.
type LiveQuery struct {
	cache    *Cache
	query    query.Query
	debounce bool

	notifications chan Update
	done          chan struct{}
}

// Update signals that the cache changed in a way the live query should
// observe. Query re-evaluates against the current cache state; after a
// delete it may well reject with a record not found error, which does
// not terminate the live query.
type Update struct {
	lq *LiveQuery
}

func (u Update) Query(ctx context.Context) (any, error) {
	return u.lq.cache.Evaluate(ctx, u.lq.query)
}

type LiveQueryOption func(*LiveQuery)

// LiveQueryWithoutDebounce delivers one notification per applied
// operation instead of coalescing per patch batch.
func LiveQueryWithoutDebounce() LiveQueryOption {
	return func(lq *LiveQuery) {
		lq.debounce = false
	}
}

// LiveQuery subscribes a structured query to the cache. The returned
// subscription delivers updates on its Notifications channel until
// Unsubscribe is called.
func (c *Cache) LiveQuery(input any, options ...LiveQueryOption) (*LiveQuery, error) {
	q, err := query.Build(input)
	if err != nil {
		return nil, err
	}

	lq := &LiveQuery{
		cache:    c,
		query:    q,
		debounce: c.debounce,
		done:     make(chan struct{}),
	}

	for _, option := range options {
		option(lq)
	}

	if lq.debounce {
		// a single slot channel coalesces every patch that lands
		// before the subscriber drains
		lq.notifications = make(chan Update, 1)
	} else {
		lq.notifications = make(chan Update, 64)
	}

	c.subMu.Lock()
	c.subscribers[lq] = struct{}{}
	c.subMu.Unlock()

	return lq, nil
}

func (lq *LiveQuery) Notifications() <-chan Update {
	return lq.notifications
}

// Unsubscribe detaches the live query and releases its retained state.
func (lq *LiveQuery) Unsubscribe() {
	lq.cache.subMu.Lock()
	_, subscribed := lq.cache.subscribers[lq]
	delete(lq.cache.subscribers, lq)
	lq.cache.subMu.Unlock()

	if subscribed {
		close(lq.done)
	}
}

func (lq *LiveQuery) notify(operations int) {
	count := 1
	if !lq.debounce {
		count = operations
	}

	for i := 0; i < count; i++ {
		select {
		case <-lq.done:
			return
		case lq.notifications <- Update{lq: lq}:
		default:
			// subscriber not keeping up; the pending update already
			// covers the current state
			return
		}
	}
}

// Matches reports whether an operation touches the type the live
// query observes. Kept exported for diagnostic tooling.
func (lq *LiveQuery) Matches(op record.Operation) bool {
	for _, expr := range lq.query.Expressions {
		switch {
		case expr.Type != "" && expr.Type == op.Record.Type:
			return true
		case expr.Record != nil && expr.Record.Type == op.Record.Type:
			return true
		case expr.Records != nil:
			for _, identity := range expr.Records {
				if identity.Type == op.Record.Type {
					return true
				}
			}
		}
	}

	return false
}
