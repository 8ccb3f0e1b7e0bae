package ingest

import "time"

// speedTiers are the discrete throughput brackets in KB/s used to pick a
// stash target size. Measured rates normalize onto the greatest tier at
// or below them.
var speedTiers = []int{64, 128, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096}

// maxStashSizeKB caps the stash target regardless of tier policy.
const maxStashSizeKB = 8192

// normalizeSpeed maps a measured rate onto its tier with a binary search.
// Rates below the smallest tier normalize to the smallest tier.
func normalizeSpeed(kbps float64) int {
	list := speedTiers
	last := len(list) - 1
	if kbps < float64(list[0]) {
		return list[0]
	}
	lo, hi := 0, last
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if mid == last || (kbps >= float64(list[mid]) && kbps < float64(list[mid+1])) {
			return list[mid]
		}
		if float64(list[mid]) < kbps {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return list[0]
}

// targetStashSizeKB derives the stash target for a normalized tier.
// Continuous sources buffer one tier's worth; bounded sources scale up at
// higher tiers since larger reads amortize request overhead.
func targetStashSizeKB(normalized int, isLive bool) int {
	sizeKB := normalized
	if !isLive {
		switch {
		case normalized < 512:
			sizeKB = normalized
		case normalized <= 1024:
			sizeKB = normalized * 3 / 2
		default:
			sizeKB = normalized * 2
		}
	}
	if sizeKB > maxStashSizeKB {
		sizeKB = maxStashSizeKB
	}
	return sizeKB
}

// SpeedSampler reports a trailing-one-second throughput estimate fed by
// raw byte counts from the transport.
type SpeedSampler interface {
	AddBytes(n int)
	LastSecondKBps() float64
	Reset()
}

// Sampler is the default SpeedSampler. It checkpoints one-second windows:
// LastSecondKBps prefers the most recent completed window and falls back
// to the rate of the current window once it is at least half a second old.
type Sampler struct {
	now             func() time.Time
	firstCheckpoint time.Time
	lastCheckpoint  time.Time
	intervalBytes   int64
	totalBytes      int64
	lastSecondBytes int64
}

// NewSampler creates a Sampler using the wall clock.
func NewSampler() *Sampler {
	return &Sampler{now: time.Now}
}

// Reset clears all checkpoints and counters.
func (s *Sampler) Reset() {
	s.firstCheckpoint = time.Time{}
	s.lastCheckpoint = time.Time{}
	s.intervalBytes = 0
	s.totalBytes = 0
	s.lastSecondBytes = 0
}

// AddBytes records n received bytes, rolling the window checkpoint when a
// full second has elapsed.
func (s *Sampler) AddBytes(n int) {
	now := s.now()
	if s.firstCheckpoint.IsZero() {
		s.firstCheckpoint = now
		s.lastCheckpoint = now
		s.intervalBytes += int64(n)
		s.totalBytes += int64(n)
		return
	}
	if now.Sub(s.lastCheckpoint) < time.Second {
		s.intervalBytes += int64(n)
		s.totalBytes += int64(n)
		return
	}
	s.lastSecondBytes = s.intervalBytes
	s.intervalBytes = int64(n)
	s.totalBytes += int64(n)
	s.lastCheckpoint = now
}

// CurrentKBps is the rate of the in-progress window.
func (s *Sampler) CurrentKBps() float64 {
	s.AddBytes(0)
	duration := s.now().Sub(s.lastCheckpoint).Seconds()
	if duration == 0 {
		duration = 1
	}
	return float64(s.intervalBytes) / duration / 1024
}

// LastSecondKBps is the trailing-one-second rate, or zero while the first
// window is still too young to estimate.
func (s *Sampler) LastSecondKBps() float64 {
	s.AddBytes(0)
	if s.lastSecondBytes != 0 {
		return float64(s.lastSecondBytes) / 1024
	}
	if s.now().Sub(s.lastCheckpoint) >= 500*time.Millisecond {
		return s.CurrentKBps()
	}
	return 0
}

// AverageKBps is the rate across the whole session.
func (s *Sampler) AverageKBps() float64 {
	duration := s.now().Sub(s.firstCheckpoint).Seconds()
	if duration == 0 {
		duration = 1
	}
	return float64(s.totalBytes) / duration / 1024
}
