package relay

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("relay already started")

	// ErrSourceQuery wraps failures of the announcement source. The tick is
	// aborted and retried on the next schedule.
	ErrSourceQuery = errors.New("source query failed")

	// ErrWatermarkPersist wraps failures to save the watermark. The loop keeps
	// the in-memory value and retries the save on the next tick.
	ErrWatermarkPersist = errors.New("watermark persist failed")
)

func sourceQueryError(err error) error {
	return fmt.Errorf("%w: %w", ErrSourceQuery, err)
}

func persistError(id int64, err error) error {
	return fmt.Errorf("%w (id=%d): %w", ErrWatermarkPersist, id, err)
}
