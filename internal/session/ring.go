package session

// outputRing is a bounded FIFO buffer of output chunks. Appending past
// capacity evicts the oldest chunk. Not safe for concurrent use on its own;
// the Registry's lock guards it.
type outputRing struct {
	entries []string
	head    int // index of the oldest entry
	count   int
}

func newOutputRing(capacity int) *outputRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &outputRing{entries: make([]string, capacity)}
}

func (r *outputRing) append(chunk string) {
	tail := (r.head + r.count) % len(r.entries)
	r.entries[tail] = chunk
	if r.count < len(r.entries) {
		r.count++
		return
	}
	// Full: the slot we just wrote was the oldest entry.
	r.head = (r.head + 1) % len(r.entries)
}

// tail returns up to max entries, oldest first. max <= 0 means all.
func (r *outputRing) tail(max int) []string {
	n := r.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]string, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	return out
}

func (r *outputRing) len() int { return r.count }
