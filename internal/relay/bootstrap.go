package relay

import (
	"context"

	logx "announcebot/pkg/logx"
)

// Bootstrap resolves the starting watermark. A stored value always wins.
// Otherwise the source's current maximum id is used and persisted, so the
// historical backlog is never replayed. An empty source or a failed query
// starts from 0.
//
// Start calls Bootstrap; it is exported for tests and tooling.
func (r *Relay) Bootstrap(ctx context.Context) int64 {
	log := r.log.With(logx.String("phase", "bootstrap"))

	id, ok, err := r.store.LoadWatermark(ctx)
	if err != nil {
		log.Warn("stored watermark unreadable; resolving from source", logx.Err(err))
		ok = false
	}
	if ok {
		r.setWatermark(id, false)
		log.Info("resuming from stored watermark", logx.Int64("watermark", id))
		return id
	}

	maxID, ok, err := r.src.MaxID(ctx)
	switch {
	case err != nil:
		r.setWatermark(0, false)
		r.setError(sourceQueryError(err))
		log.Error("resolve initial watermark failed; starting from 0", logx.Err(err))
		return 0
	case !ok:
		r.setWatermark(0, false)
		log.Info("no announcements yet; starting from 0")
		return 0
	}

	r.setWatermark(maxID, true)
	r.persist(ctx, log, maxID)
	log.Info("starting from latest announcement", logx.Int64("watermark", maxID))
	return maxID
}

func (r *Relay) setWatermark(id int64, dirty bool) {
	r.mu.Lock()
	r.watermark = id
	r.dirty = dirty
	r.mu.Unlock()
}
