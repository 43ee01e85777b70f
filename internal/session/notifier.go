package session

import "slices"

// notifier keeps change handlers keyed by registration order.
type notifier[T any] struct {
	next     int
	handlers map[int]func(T)
}

func (n *notifier[T]) subscribe(fn func(T)) func() {
	if n.handlers == nil {
		n.handlers = make(map[int]func(T))
	}
	id := n.next
	n.next++
	n.handlers[id] = fn
	return func() { delete(n.handlers, id) }
}

func (n *notifier[T]) notify(v T) {
	if len(n.handlers) == 0 {
		return
	}
	ids := make([]int, 0, len(n.handlers))
	for id := range n.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		// a handler may unsubscribe another one
		if h, ok := n.handlers[id]; ok {
			h(v)
		}
	}
}

func (n *notifier[T]) len() int {
	return len(n.handlers)
}
