package state

import (
	"context"
	"sync"
	"time"

	"github.com/parallelctl/parallelctl/internal/logger"
)

// AutoSaver periodically persists a Snapshot produced by a builder
// function, and additionally on demand whenever the caller observes a
// Worker state transition.
type AutoSaver struct {
	store    *Store
	interval time.Duration
	build    func() *Snapshot

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewAutoSaver returns an AutoSaver that calls build to obtain the
// current Snapshot every interval, and writes it via store.
func NewAutoSaver(store *Store, interval time.Duration, build func() *Snapshot) *AutoSaver {
	return &AutoSaver{
		store:     store,
		interval:  interval,
		build:     build,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background save loop.
func (a *AutoSaver) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (a *AutoSaver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Trigger requests an out-of-band save, e.g. on a Worker state
// transition. Non-blocking: if a trigger is already pending, this is a
// no-op.
func (a *AutoSaver) Trigger() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *AutoSaver) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	log := logger.WithComponent("state")

	save := func() {
		if err := a.store.Save(a.build()); err != nil {
			log.Error().Err(err).Msg("snapshot save failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-a.stopCh:
			save()
			return
		case <-ticker.C:
			save()
		case <-a.triggerCh:
			save()
		}
	}
}
