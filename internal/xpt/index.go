package xpt

// IndexEntry locates a checkpointed value: small values live inline in
// memory, larger ones as a location in a log file.
type IndexEntry interface {
	indexEntry()
}

// Inline holds the value bytes directly.
type Inline struct {
	Data []byte
}

// InFile points into a checkpoint log. An empty File means the file
// currently being written.
type InFile struct {
	File   string
	Offset int64
	Length int
}

func (Inline) indexEntry() {}
func (InFile) indexEntry() {}

// Index is the in-memory fingerprint → entry map. It is owned by a
// single server goroutine.
//
// Entries that point into the current log file must only be added after
// the record is flushed; the lookup path reads the file directly and must
// never see a dangling offset.
type Index struct {
	entries map[string]IndexEntry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]IndexEntry)}
}

// Add inserts an entry. A key already present keeps its first entry: the
// same result may legitimately be recomputed and re-checkpointed.
func (ix *Index) Add(key []byte, entry IndexEntry) {
	if _, exists := ix.entries[string(key)]; exists {
		return
	}
	ix.entries[string(key)] = entry
}

// Lookup returns the entry for key, if any.
func (ix *Index) Lookup(key []byte) (IndexEntry, bool) {
	e, ok := ix.entries[string(key)]
	return e, ok
}

// Size returns the number of indexed checkpoints.
func (ix *Index) Size() int { return len(ix.entries) }
