package scm

import (
	"context"

	"vawter.tech/stopper"
)

// WatchStore merges record files changed by other writers into the
// database until ctx is done or the returned cleanup is called. Removed
// record files are logged and otherwise ignored: a service is only
// removed through DeleteService.
func (m *Manager) WatchStore(ctx context.Context, store *FileStore) (WatchCleanupFunc, error) {
	events, cleanup, err := store.Watch(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	started := m.sctx.Go(func(sctx *stopper.Context) error {
		defer close(done)
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				m.applyStoreEvent(ev)
			}
		}
	})
	if !started {
		_ = cleanup()
		return nil, ErrShutdownInProgress
	}

	return func() error {
		err := cleanup()
		<-done
		return err
	}, nil
}

func (m *Manager) applyStoreEvent(ev StoreEvent) {
	switch {
	case ev.Err != nil:
		m.log.Warn().Err(ev.Err).Str("service", ev.Name).Msg("unreadable service record")
	case ev.Record == nil:
		m.log.Debug().Str("service", ev.Name).Msg("service record removed")
	default:
		if err := m.db.Apply(ev.Record); err != nil {
			m.log.Warn().Err(err).Str("service", ev.Name).Msg("rejected service record")
		}
	}
}
