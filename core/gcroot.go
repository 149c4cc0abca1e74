package core

import "github.com/google/uuid"

// GCRoot is an opaque token whose lifetime pins a multiverse or leadership
// registry entry. Holding a GCRoot retains the entry; releasing it drops the
// hold but does not itself evict — eviction happens at the next GC pass and
// only if nothing else still references the entry.
type GCRoot struct {
	id uuid.UUID
}

func newGCRoot() GCRoot {
	return GCRoot{id: uuid.New()}
}

func (r GCRoot) String() string { return r.id.String() }
