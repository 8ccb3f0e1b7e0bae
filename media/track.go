package media

// Track accumulates the ordered sample sequence for one elementary stream
// between hand-offs to the packager. Length is always the sum of the
// lengths of the samples currently held.
type Track struct {
	Type           TrackType
	ID             int
	SequenceNumber int
	Samples        []Sample
	Length         int
}

// NewTrack creates an empty track of the given type and identifier.
func NewTrack(t TrackType, id int) *Track {
	return &Track{Type: t, ID: id}
}

// AppendSample adds a sample to the track and grows the cumulative length.
func (t *Track) AppendSample(s Sample) {
	t.Samples = append(t.Samples, s)
	t.Length += s.Length
}

// Clear drops all held samples and resets the cumulative length. The
// sequence number is preserved; callers bump it when a batch is handed off.
func (t *Track) Clear() {
	t.Samples = t.Samples[:0]
	t.Length = 0
}
