// Package catalog holds the diagnostic metadata (hash, structure) known for
// each message id. The metadata is advisory; it is never used for parsing.
package catalog

import (
	"sync/atomic"

	"gamerelay/packet"
)

// MaxID is the highest message id the protocol assigns.
const MaxID = 4000

// Entry is the metadata for one message id. An entry with ID 0 is unknown.
type Entry struct {
	ID        uint16 `json:"id"`
	Hash      string `json:"hash,omitempty"`
	Structure string `json:"structure,omitempty"`
}

// Table is indexed directly by message id.
type Table [MaxID + 1]Entry

// Tables holds one table per direction.
type Tables struct {
	Incoming Table
	Outgoing Table
}

// Table returns the table for dir.
func (t *Tables) Table(dir packet.Direction) *Table {
	if dir == packet.Outgoing {
		return &t.Outgoing
	}
	return &t.Incoming
}

// Count returns the number of known entries per direction.
func (t *Tables) Count() (incoming, outgoing int) {
	for i := range t.Incoming {
		if t.Incoming[i].ID != 0 {
			incoming++
		}
		if t.Outgoing[i].ID != 0 {
			outgoing++
		}
	}
	return incoming, outgoing
}

// Catalog publishes an immutable Tables value that both relay directions
// read concurrently. Install replaces it atomically.
type Catalog struct {
	tables atomic.Pointer[Tables]
}

func New() *Catalog {
	return &Catalog{}
}

// Install publishes t. Callers must not modify t afterwards.
func (c *Catalog) Install(t *Tables) {
	c.tables.Store(t)
}

// Loaded reports whether any tables were installed.
func (c *Catalog) Loaded() bool {
	return c.tables.Load() != nil
}

// Lookup returns the entry for id in direction dir.
func (c *Catalog) Lookup(dir packet.Direction, id uint16) (Entry, bool) {
	t := c.tables.Load()
	if t == nil || int(id) > MaxID {
		return Entry{}, false
	}
	e := t.Table(dir)[id]
	if e.ID == 0 {
		return Entry{}, false
	}
	return e, true
}

// Annotate copies catalog metadata onto m, leaving it untouched when the id
// is unknown.
func (c *Catalog) Annotate(dir packet.Direction, m *packet.Message) bool {
	e, ok := c.Lookup(dir, m.ID)
	if !ok {
		return false
	}
	m.Hash = e.Hash
	m.Structure = e.Structure
	return true
}
