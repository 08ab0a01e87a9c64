package event

import "fmt"

// Page is a contiguous batch of events in (Floor, Ceiling], ascending by Seq.
type Page struct {
	Floor   uint64
	Ceiling uint64
	Events  []Event
	// Skipped holds events the loader could not resolve but was configured to
	// tolerate; they are recorded as dead letters with the page's commit.
	Skipped []Skipped
}

// Skipped is an event excluded from a page together with the reason.
type Skipped struct {
	Event Event
	Err   error
}

// Len returns the number of resolved events in the page.
func (p Page) Len() int {
	return len(p.Events)
}

// IsEmpty reports whether the page carries no resolved events.
func (p Page) IsEmpty() bool {
	return len(p.Events) == 0
}

// Validate checks the page ordering and bounds.
func (p Page) Validate() error {
	if p.Ceiling < p.Floor {
		return fmt.Errorf("page ceiling %d below floor %d", p.Ceiling, p.Floor)
	}
	prev := p.Floor
	for _, evt := range p.Events {
		if evt.Seq <= prev {
			return fmt.Errorf("page event seq %d not above %d", evt.Seq, prev)
		}
		if evt.Seq > p.Ceiling {
			return fmt.Errorf("page event seq %d above ceiling %d", evt.Seq, p.Ceiling)
		}
		prev = evt.Seq
	}
	return nil
}

func (p Page) String() string {
	return fmt.Sprintf("(%d,%d]", p.Floor, p.Ceiling)
}
