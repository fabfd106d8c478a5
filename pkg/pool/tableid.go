package pool

import "sync/atomic"

// Reserved table ids for metadata-only cursors. The generator never
// issues ids below lastReservedTableID, so these can never collide
// with ordinary table cursors.
const (
	MetadataTableID uint64 = iota
	MetadataCreateTableID
	lastReservedTableID
)

// TableIDGenerator issues table ids for cursor-cache keys. Pass one
// generator through construction wherever ids are minted; the zero
// value is not usable, call NewTableIDGenerator.
type TableIDGenerator struct {
	next atomic.Uint64
}

// NewTableIDGenerator returns a generator seeded past the reserved
// metadata id range.
func NewTableIDGenerator() *TableIDGenerator {
	g := &TableIDGenerator{}
	g.next.Store(lastReservedTableID)
	return g
}

// Next returns a fresh table id, unique for the generator's lifetime.
func (g *TableIDGenerator) Next() uint64 {
	return g.next.Add(1) - 1
}
