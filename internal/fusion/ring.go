package fusion

import "time"

// Ring is a time-trimmed, append-only buffer of recent events for one
// grouping key. Trimmed to maxAge + slack on every insert; the slack
// absorbs reordering near the window boundary.
type Ring struct {
	events []Event
	maxAge time.Duration
}

const (
	ringSlack   = 60 * time.Second
	ringMaxSize = 1000 // per-grouping-key event cap
)

// NewRing builds a Ring trimmed to maxWindow+slack.
func NewRing(maxWindow time.Duration) *Ring {
	return &Ring{maxAge: maxWindow + ringSlack}
}

// Insert appends e, trims events older than maxAge relative to e's
// timestamp, and evicts the oldest entries beyond ringMaxSize so one
// grouping key cannot unbound its own memory.
func (r *Ring) Insert(e Event) {
	r.events = append(r.events, e)
	cutoff := e.TimestampNs - r.maxAge.Nanoseconds()

	i := 0
	for ; i < len(r.events); i++ {
		if r.events[i].TimestampNs >= cutoff {
			break
		}
	}
	if i > 0 {
		r.events = append([]Event{}, r.events[i:]...)
	}

	if len(r.events) > ringMaxSize {
		r.events = append([]Event{}, r.events[len(r.events)-ringMaxSize:]...)
	}
}

// Events returns the ring's current contents, oldest first.
func (r *Ring) Events() []Event {
	return r.events
}

// Len reports the ring's current event count.
func (r *Ring) Len() int {
	return len(r.events)
}
