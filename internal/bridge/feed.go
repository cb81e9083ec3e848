package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viberlabs/realtime/internal/store"
)

const feedBatchSize = 200

// ChangeFeed tails the repository's change log and emits normalized events.
//
// Polling keeps the feed independent of the persistence product: any backend
// that can append row changes to a log table works. The feed starts at the
// log's current tail, so historical changes are never replayed.
type ChangeFeed struct {
	repo     store.Repository
	interval time.Duration
	emit     func(ChangeEvent)

	lastSeq int64
	wg      sync.WaitGroup
}

func newChangeFeed(repo store.Repository, interval time.Duration, emit func(ChangeEvent)) *ChangeFeed {
	return &ChangeFeed{
		repo:     repo,
		interval: interval,
		emit:     emit,
	}
}

func (f *ChangeFeed) start(ctx context.Context) error {
	seq, err := f.repo.LatestChangeSeq(ctx)
	if err != nil {
		return fmt.Errorf("read change log tail: %w", err)
	}
	f.lastSeq = seq

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		slog.Info("Change feed started", "interval", f.interval, "tail_seq", seq)

		for {
			select {
			case <-ticker.C:
				f.poll(ctx)
			case <-ctx.Done():
				slog.Info("Change feed shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return nil
}

func (f *ChangeFeed) wait() {
	f.wg.Wait()
}

func (f *ChangeFeed) poll(ctx context.Context) {
	for {
		changes, err := f.repo.ChangesSince(ctx, f.lastSeq, feedBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Change feed poll failed", "error", err)
			}
			return
		}
		if len(changes) == 0 {
			return
		}

		for _, c := range changes {
			f.lastSeq = c.Seq
			ev, err := f.normalize(ctx, c)
			if err != nil {
				slog.Warn("Change feed failed to load changed record",
					"entity_kind", c.EntityKind, "entity_id", c.EntityID, "error", err)
				continue
			}
			f.emit(ev)
		}

		if len(changes) < feedBatchSize {
			return
		}
	}
}

// normalize resolves a change-log row into an event carrying the current
// record. Deletes carry a nil payload. A record already removed by a later
// change is emitted with a nil payload as well; subscribers read through the
// bridge if they need the final state.
func (f *ChangeFeed) normalize(ctx context.Context, c store.RecordChange) (ChangeEvent, error) {
	ev := ChangeEvent{
		EntityKind: c.EntityKind,
		ChangeType: c.ChangeType,
		EntityID:   c.EntityID,
	}
	if c.ChangeType == store.ChangeDelete {
		return ev, nil
	}

	switch c.EntityKind {
	case store.KindProjectContext:
		pc, err := f.repo.GetProjectContext(ctx, c.EntityID)
		if err != nil {
			return ev, err
		}
		if pc != nil {
			ev.Payload = pc
		}
	case store.KindAgentSession:
		s, err := f.repo.GetAgentSession(ctx, c.EntityID)
		if err != nil {
			return ev, err
		}
		if s != nil {
			ev.Payload = s
		}
	case store.KindErrorRecord:
		rec, err := f.repo.GetErrorRecord(ctx, c.EntityID)
		if err != nil {
			return ev, err
		}
		if rec != nil {
			ev.Payload = rec
		}
	case store.KindProgress:
		p, err := f.repo.GetProgress(ctx, c.EntityID)
		if err != nil {
			return ev, err
		}
		if p != nil {
			ev.Payload = p
		}
	case store.KindUserSettings:
		s, err := f.repo.GetUserSettings(ctx, c.EntityID)
		if err != nil {
			return ev, err
		}
		if s != nil {
			ev.Payload = s
		}
	default:
		slog.Warn("Change feed saw unknown entity kind", "entity_kind", c.EntityKind)
	}
	return ev, nil
}
