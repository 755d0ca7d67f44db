// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import "sync"

// broadcaster fans values out to subscribers.  Slow subscribers never block
// the publisher, they lose the oldest undelivered value instead.
type broadcaster[T any] struct {
	sync.Mutex

	subs   map[uint64]chan T
	nextID uint64
	closed bool
	depth  int
}

func newBroadcaster[T any](depth int) *broadcaster[T] {
	return &broadcaster[T]{
		subs:  make(map[uint64]chan T),
		depth: depth,
	}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.Lock()
	defer b.Unlock()

	ch := make(chan T, b.depth)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.Lock()
			defer b.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster[T]) publish(v T) {
	b.Lock()
	defer b.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *broadcaster[T]) close() {
	b.Lock()
	defer b.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// publishTo delivers v to a single subscriber channel.
func (b *broadcaster[T]) publishTo(ch <-chan T, v T) {
	b.Lock()
	defer b.Unlock()

	for _, c := range b.subs {
		if (<-chan T)(c) == ch {
			select {
			case c <- v:
			default:
			}
			return
		}
	}
}
