package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/l0p7/sheetlink/internal/metrics"
	"github.com/l0p7/sheetlink/internal/runtime/requestcache"
)

// cacheObserver feeds request cache events into the metrics recorder.
type cacheObserver struct {
	rec *metrics.Recorder
}

func (o cacheObserver) ObserveLookup(kind string, state requestcache.State) {
	o.rec.ObserveCacheLookup(kind, state.String())
}

func (o cacheObserver) ObserveFetch(kind string, err error, elapsed time.Duration) {
	outcome := metrics.FetchSucceeded
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.FetchTimedOut
	case err != nil:
		outcome = metrics.FetchFailed
	}
	o.rec.ObserveFetch(kind, outcome, elapsed)
}
