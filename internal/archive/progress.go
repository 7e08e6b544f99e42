package archive

import (
	"log/slog"
	"time"

	"github.com/bamsammich/ptar/internal/stats"
	"github.com/bamsammich/ptar/internal/ui"
)

// Slots of the progress reduction vector.
const (
	reduceBytes = 0
	reduceItems = 1
)

// reportProgress prints one progress line from the reduced totals.
func reportProgress(verb string, c *stats.Collector, totals []uint64, elapsed time.Duration, complete bool) {
	if len(totals) < 2 {
		return
	}
	bytes := int64(totals[reduceBytes])
	items := int64(totals[reduceItems])

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(bytes) / secs
	}

	if complete {
		slog.Info(verb+" done",
			"items", ui.FormatCount(items),
			"data", ui.FormatBytes(bytes),
			"elapsed", ui.FormatDuration(elapsed),
			"rate", ui.FormatRate(rate),
		)
		return
	}

	snap := c.Snapshot()
	remaining := time.Duration(0)
	if rate > 0 && snap.BytesTotal > bytes {
		remaining = time.Duration(float64(snap.BytesTotal-bytes)/rate) * time.Second
	}
	slog.Info(verb,
		"items", ui.FormatCount(items),
		"data", ui.FormatBytes(bytes),
		"percent", int(c.Percent()),
		"rate", ui.FormatRate(rate),
		"eta", ui.FormatETA(remaining),
	)
}

// startReporter launches a ticker that prints progress from the shared
// collector until the returned stop function runs. Used by phases that are
// not driven through the work-stealing engine's reduction hook.
func startReporter(verb string, c *stats.Collector, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Tick()
				snap := c.Snapshot()
				reportProgress(verb, c,
					[]uint64{uint64(snap.BytesDone), uint64(snap.ItemsDone)},
					time.Since(start), false)
			}
		}
	}()
	return func() { close(done) }
}
