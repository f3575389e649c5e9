package storage

import (
	"context"
	"sync"

	"github.com/radiusdt/newsdesk/internal/models"
	"go.uber.org/zap"
)

// FanoutFeed shares one upstream subscription between many subscribers.
// The upstream is opened on the first Subscribe, watching every table in
// the set given to NewFanoutFeed, and released when the last subscriber
// leaves. When the upstream channel closes, every subscriber channel is
// closed so each consumer resubscribes and a fresh upstream is opened.
type FanoutFeed struct {
	upstream ChangeFeed
	tables   []string
	logger   *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub
	gen    int
	cancel context.CancelFunc
}

// NewFanoutFeed wraps upstream. tables must cover every table a subscriber
// will ask for.
func NewFanoutFeed(upstream ChangeFeed, tables []string, logger *zap.Logger) *FanoutFeed {
	return &FanoutFeed{
		upstream: upstream,
		tables:   tables,
		logger:   logger,
		subs:     make(map[int]*feedSub),
	}
}

func (f *FanoutFeed) Subscribe(ctx context.Context, tables []string) (<-chan models.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel == nil {
		uctx, cancel := context.WithCancel(context.Background())
		ch, err := f.upstream.Subscribe(uctx, f.tables)
		if err != nil {
			cancel()
			return nil, err
		}
		f.gen++
		f.cancel = cancel
		go f.pump(f.gen, ch)
		f.logger.Debug("change feed upstream opened", zap.Int("generation", f.gen))
	}

	sub := &feedSub{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan models.Change, 64),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub

	go func() {
		<-ctx.Done()
		f.leave(id)
	}()
	return sub.ch, nil
}

// Subscribers returns the number of open subscriber channels.
func (f *FanoutFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *FanoutFeed) pump(gen int, ch <-chan models.Change) {
	for change := range ch {
		f.mu.Lock()
		if f.gen == gen {
			for _, sub := range f.subs {
				if _, ok := sub.tables[change.Table]; !ok {
					continue
				}
				select {
				case sub.ch <- change:
				default:
				}
			}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || f.cancel == nil {
		return
	}
	f.logger.Debug("change feed upstream closed", zap.Int("subscribers", len(f.subs)))
	for id, sub := range f.subs {
		close(sub.ch)
		delete(f.subs, id)
	}
	f.release()
}

func (f *FanoutFeed) leave(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	close(sub.ch)
	if len(f.subs) == 0 && f.cancel != nil {
		f.release()
	}
}

// release cancels the current upstream. Callers hold f.mu.
func (f *FanoutFeed) release() {
	f.cancel()
	f.cancel = nil
}
