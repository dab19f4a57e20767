package oplog

// Clock is a Lamport clock owned by one replica. Clocks are values: Tick and
// Merge return new clocks and never modify the receiver.
type Clock struct {
	ID   string `codec:"id"`
	Time int64  `codec:"time"`
}

// NewClock returns a clock for replica id starting at time.
func NewClock(id string, time int64) Clock {
	return Clock{ID: id, Time: time}
}

// Tick returns the clock of the next local event.
func (c Clock) Tick() Clock {
	return Clock{ID: c.ID, Time: c.Time + 1}
}

// Merge returns a clock which has seen both c and other. The id of c is kept.
func (c Clock) Merge(other Clock) Clock {
	t := c.Time
	if other.Time > t {
		t = other.Time
	}
	return Clock{ID: c.ID, Time: t}
}

// Compare orders clocks by time and, for concurrent events, by replica id.
// It returns the time distance when times differ, otherwise -1 or 1 when the
// ids differ and 0 for equal clocks.
func Compare(a, b Clock) int {
	dist := a.Time - b.Time
	if dist == 0 && a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return int(dist)
}
