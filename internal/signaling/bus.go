package signaling

import (
	"log/slog"
	"sync"

	"github.com/velora-app/callkit/internal/domain"
)

// bus fans events out to subscribers. Cancel functions are idempotent and
// a panicking subscriber never takes the read loop down with it.
type bus struct {
	log *slog.Logger

	mu   sync.Mutex
	seq  int
	subs map[int]func(domain.Event)
}

func newBus(log *slog.Logger) *bus {
	return &bus{
		log:  log,
		subs: make(map[int]func(domain.Event)),
	}
}

func (b *bus) subscribe(fn func(domain.Event)) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) publish(event domain.Event) {
	b.mu.Lock()
	fns := make([]func(domain.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.invoke(fn, event)
	}
}

func (b *bus) invoke(fn func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn(event)
}

func (b *bus) clear() {
	b.mu.Lock()
	b.subs = make(map[int]func(domain.Event))
	b.mu.Unlock()
}
