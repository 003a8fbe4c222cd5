package download

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a snapshot of a running transfer.
type Progress struct {
	Written int64
	Total   int64
	Percent float64
	// Speed is in bytes per second.
	Speed float64
	// ETA is zero until a speed is known.
	ETA time.Duration
}

// SpeedLabel renders Speed for display, e.g. "4.2 MB/s".
func (p Progress) SpeedLabel() string {
	if p.Speed <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(p.Speed)) + "/s"
}

const (
	// minSampleDelta bounds Δt from below so a burst of writes never divides
	// by (near) zero.
	minSampleDelta = time.Millisecond
	// sampleInterval is how often a new speed sample is taken and published.
	sampleInterval = 250 * time.Millisecond
)

// tracker turns write events into Progress samples.
type tracker struct {
	interval  time.Duration
	lastBytes int64
	lastTime  time.Time
	last      Progress
}

func newTracker(start int64, now time.Time, interval time.Duration) *tracker {
	if interval <= 0 {
		interval = sampleInterval
	}
	return &tracker{interval: interval, lastBytes: start, lastTime: now}
}

// observe records that written of total bytes are on disk at now. It
// returns the current progress and whether a new sample was taken.
func (t *tracker) observe(written, total int64, now time.Time) (Progress, bool) {
	elapsed := now.Sub(t.lastTime)
	complete := total > 0 && written >= total
	if elapsed < t.interval && !complete {
		t.last.Written = written
		t.last.Total = total
		t.last.Percent = percent(written, total)
		return t.last, false
	}
	t.last = sample(t.lastBytes, written, total, elapsed)
	t.lastBytes = written
	t.lastTime = now
	return t.last, true
}

// sample derives percent, speed and ETA from two byte counts taken dt apart.
func sample(prevBytes, written, total int64, dt time.Duration) Progress {
	if dt < minSampleDelta {
		dt = minSampleDelta
	}
	p := Progress{Written: written, Total: total, Percent: percent(written, total)}
	delta := written - prevBytes
	if delta > 0 {
		p.Speed = float64(delta) / dt.Seconds()
	}
	if p.Speed > 0 && total > written {
		p.ETA = time.Duration(float64(total-written) / p.Speed * float64(time.Second))
	}
	return p
}

func percent(written, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(written) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
