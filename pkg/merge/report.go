package merge

import (
	"fmt"
	"time"
)

// Outcome is what a synchronization did with one material
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Merged    Outcome = "merged"
	Skipped   Outcome = "skipped"
	Utility   Outcome = "utility"
	Failed    Outcome = "failed"
)

// Committed reports whether the outcome wrote to the library
func (o Outcome) Committed() bool {
	return o == Inserted || o == Updated || o == Merged
}

// Item is the result for one material
type Item struct {
	UUID         string  `json:"uuid"`
	Name         string  `json:"name"`
	Outcome      Outcome `json:"outcome"`
	Hash         string  `json:"hash,omitempty"`
	PreviousHash string  `json:"previous_hash,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Err          error   `json:"-"`
}

// ItemError is a per-material failure. Phase names the step that failed:
// identity, hash, apply or container.
type ItemError struct {
	UUID  string
	Name  string
	Phase string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %q (%s): %v", e.Phase, e.Name, e.UUID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Report summarizes one synchronization pass
type Report struct {
	Project  string       `json:"project"`
	Items    []*Item      `json:"items"`
	Failures []*ItemError `json:"-"`
	Trimmed  []string     `json:"trimmed,omitempty"`
	Err      error        `json:"-"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
}

// Count returns the number of items with outcome o
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Counts returns item counts keyed by outcome
func (r *Report) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, it := range r.Items {
		out[it.Outcome]++
	}
	return out
}

// Changed reports whether the pass committed any library change
func (r *Report) Changed() bool {
	for _, it := range r.Items {
		if it.Outcome.Committed() {
			return true
		}
	}
	return len(r.Trimmed) > 0
}

// Item returns the item for uuid
func (r *Report) Item(uuid string) (*Item, bool) {
	for _, it := range r.Items {
		if it.UUID == uuid {
			return it, true
		}
	}
	return nil, false
}

// Duration is the wall time of the pass
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r *Report) fail(uuid, name, phase string, err error) {
	ie := &ItemError{UUID: uuid, Name: name, Phase: phase, Err: err}
	r.Failures = append(r.Failures, ie)
	r.Items = append(r.Items, &Item{UUID: uuid, Name: name, Outcome: Failed, Reason: ie.Error(), Err: ie})
}
