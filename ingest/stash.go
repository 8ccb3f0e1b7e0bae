package ingest

const (
	// headroom is kept beyond the stash target so a dispatch boundary can
	// absorb one more chunk without reallocating.
	headroom = 1 << 20
	// initialArenaSize is the starting arena capacity.
	initialArenaSize = 3 << 20
)

// stashBuffer is a growable byte arena with a logical occupancy window.
// buf[0:used] holds not-yet-dispatched bytes; byteStart is the absolute
// stream offset of buf[0]. size is the current dispatch target and always
// stays at least headroom below capacity. Capacity never shrinks.
type stashBuffer struct {
	buf       []byte
	used      int
	byteStart int64
	size      int
}

func newStashBuffer(initialTarget int) *stashBuffer {
	capSize := initialArenaSize
	if initialTarget+headroom > capSize {
		capSize = initialTarget + headroom
	}
	return &stashBuffer{
		buf:  make([]byte, capSize),
		size: initialTarget,
	}
}

func (s *stashBuffer) capacity() int { return len(s.buf) }

// expand grows the arena until expected bytes fit, doubling from the
// current target and adding headroom. The live window is copied into the
// fresh arena; the old one is never aliased again. A request smaller than
// the current capacity is a no-op.
func (s *stashBuffer) expand(expected int) {
	newSize := s.size
	if newSize <= 0 {
		newSize = headroom
	}
	for newSize+headroom < expected {
		newSize *= 2
	}
	newSize += headroom
	if newSize <= len(s.buf) {
		return
	}
	fresh := make([]byte, newSize)
	if s.used > 0 {
		copy(fresh, s.buf[:s.used])
	}
	s.buf = fresh
}

// ensure guarantees capacity for expected total bytes.
func (s *stashBuffer) ensure(expected int) {
	if expected > len(s.buf) {
		s.expand(expected)
	}
}

// write appends a chunk at the end of the occupied window. The caller
// must have ensured capacity.
func (s *stashBuffer) write(chunk []byte) {
	copy(s.buf[s.used:], chunk)
	s.used += len(chunk)
}

// reset drops all occupancy and the window anchor.
func (s *stashBuffer) reset() {
	s.used = 0
	s.byteStart = 0
}
