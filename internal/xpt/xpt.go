package xpt

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/quarry/internal/debug"
)

// FlushPolicy controls when buffered checkpoint writes reach disk.
type FlushPolicy int

const (
	// NoFlush leaves flushing to close (and to the flush-before-index
	// rule).
	NoFlush FlushPolicy = iota
	// PeriodicFlush flushes at most once per interval.
	PeriodicFlush
	// AlwaysFlush flushes after every persisted record.
	AlwaysFlush
)

// Persist is the per-write persistence request.
type Persist int

const (
	// NoPersist keeps the entry in the index only (unless it is too large
	// to inline, which forces a write).
	NoPersist Persist = iota
	// PersistRecord writes the record to the log.
	PersistRecord
	// PersistFlush writes the record and flushes it immediately.
	PersistFlush
)

// ErrNotFound reports a fingerprint with no checkpoint.
var ErrNotFound = errors.New("xpt: checkpoint not found")

// Checkpoint is the per-rank checkpoint module: a writer into the shared
// log plus the in-memory index.
type Checkpoint struct {
	filename  string
	w         *Writer
	index     *Index
	policy    FlushPolicy
	interval  time.Duration
	lastFlush time.Time

	// maxInline is the largest value stored inline in the index; larger
	// values are indexed by file location.
	maxInline int
}

// Config carries checkpoint initialization options.
type Config struct {
	Filename  string
	Rank      int
	Ranks     int
	BlockSize int64 // 0 means DefaultBlockSize
	Policy    FlushPolicy
	Interval  time.Duration // for PeriodicFlush
	MaxInline int
}

// Init opens the checkpoint log for one rank.
func Init(cfg Config) (*Checkpoint, error) {
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	w, err := NewWriter(cfg.Filename, cfg.Rank, cfg.Ranks, blockSize)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		filename:  cfg.Filename,
		w:         w,
		index:     NewIndex(),
		policy:    cfg.Policy,
		interval:  cfg.Interval,
		lastFlush: time.Now(),
		maxInline: cfg.MaxInline,
	}, nil
}

// Write checkpoints one key/value pair. persist selects durability;
// indexAdd additionally records the entry in the in-memory index. Indexed
// values too large to inline are always persisted, and any record referenced by
// the index is flushed before the index entry is committed so lookups
// never chase an unwritten offset.
func (c *Checkpoint) Write(key, val []byte, persist Persist, indexAdd bool) error {
	if len(val) > MaxRecord {
		return fmt.Errorf("xpt: value too large to checkpoint: %d bytes", len(val))
	}
	doPersist := persist != NoPersist
	inFile := false
	if indexAdd && len(val) > c.maxInline {
		doPersist = true
		inFile = true
	}

	var valOffset int64
	if doPersist {
		off, err := c.w.WriteRecord(key, val)
		if err != nil {
			return err
		}
		valOffset = off
		if err := c.maybeFlush(persist, inFile && indexAdd); err != nil {
			return err
		}
	}

	if indexAdd {
		if inFile {
			c.index.Add(key, InFile{Offset: valOffset, Length: len(val)})
		} else {
			buf := make([]byte, len(val))
			copy(buf, val)
			c.index.Add(key, Inline{Data: buf})
		}
	}
	return nil
}

func (c *Checkpoint) maybeFlush(persist Persist, indexNeedsFlush bool) error {
	switch {
	case indexNeedsFlush,
		persist == PersistFlush,
		c.policy == AlwaysFlush,
		c.policy == PeriodicFlush && time.Since(c.lastFlush) >= c.interval:
		if err := c.w.Flush(); err != nil {
			return err
		}
		c.lastFlush = time.Now()
	}
	return nil
}

// Lookup returns the checkpointed value for key, reading it back from a
// log file when it is not inline. The value-read path does not re-verify
// the enclosing record's CRC.
func (c *Checkpoint) Lookup(key []byte) ([]byte, error) {
	entry, ok := c.index.Lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	switch e := entry.(type) {
	case Inline:
		return e.Data, nil
	case InFile:
		if e.File == "" {
			return c.w.ReadVal(e.Offset, e.Length)
		}
		return readValFrom(e.File, e.Offset, e.Length)
	}
	return nil, fmt.Errorf("xpt: unknown index entry for key %q", key)
}

// readValFrom reads a value out of a closed checkpoint file.
func readValFrom(filename string, offset int64, length int) ([]byte, error) {
	r, err := OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	r.pos = filePos{block: offset / r.BlockSize, off: offset % r.BlockSize}
	return r.blkread(length)
}

// ReloadStats summarizes a reload: how many records parsed and how many
// were skipped as corrupt.
type ReloadStats struct {
	Valid   int
	Invalid int
}

// Reload reads every rank's records from an existing checkpoint file into
// the index. Corrupt records are counted and skipped; the reader resumes
// at the next intact record of the same rank.
func (c *Checkpoint) Reload(filename string) (ReloadStats, error) {
	var stats ReloadStats
	r, err := OpenReader(filename)
	if err != nil {
		return stats, err
	}
	defer r.Close()

	for rank := 0; rank < r.Ranks; rank++ {
		if err := r.SelectRank(rank); err != nil {
			if errors.Is(err, ErrEndOfRank) {
				continue
			}
			return stats, err
		}
		for {
			rec, err := r.Read()
			if errors.Is(err, ErrEndOfRank) {
				break
			}
			if errors.Is(err, ErrInvalidRecord) {
				stats.Invalid++
				continue
			}
			if err != nil {
				return stats, err
			}
			stats.Valid++
			if len(rec.Val) > c.maxInline {
				c.index.Add(rec.Key, InFile{File: filename, Offset: rec.ValOffset, Length: len(rec.Val)})
			} else {
				buf := make([]byte, len(rec.Val))
				copy(buf, rec.Val)
				c.index.Add(rec.Key, Inline{Data: buf})
			}
		}
	}
	debug.Logf("xpt: reloaded %s: %d valid, %d invalid", filename, stats.Valid, stats.Invalid)
	return stats, nil
}

// IndexSize returns the number of indexed checkpoints.
func (c *Checkpoint) IndexSize() int { return c.index.Size() }

// Close writes the end-of-rank marker when the current block has room for
// it, then flushes and closes the log.
func (c *Checkpoint) Close() error {
	return c.w.Close()
}
