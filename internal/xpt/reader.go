package xpt

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/dreamware/quarry/internal/codec"
	"github.com/dreamware/quarry/internal/debug"
)

// ErrEndOfRank reports the clean end of one rank's records: a zero-length
// record with a valid CRC, a holy block, or end of file. A reader cannot
// distinguish a writer that crashed exactly at a block boundary from one
// that closed cleanly there; all three cases read the same.
var ErrEndOfRank = errors.New("xpt: end of rank")

// ErrInvalidRecord reports a record that failed its CRC or carried an
// out-of-range length. The reader has already resynchronized on the next
// sync marker; the caller may keep reading.
var ErrInvalidRecord = errors.New("xpt: invalid record")

// Record is one key/value pair read back from the log.
type Record struct {
	Key []byte
	Val []byte
	// ValOffset is the absolute file offset of the value bytes.
	ValOffset int64
}

// Reader reads one rank's records back from a checkpoint file.
type Reader struct {
	f         *os.File
	BlockSize int64
	Ranks     int

	currRank int
	pos      filePos
}

// OpenReader opens a checkpoint file, verifying the leading magic byte
// and reading the header.
func OpenReader(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("xpt: opening %s for read: %w", filename, err)
	}
	var hdr [1 + headerBytes]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("xpt: reading header of %s: %w", filename, err)
	}
	if hdr[0] != magicByte {
		f.Close()
		return nil, fmt.Errorf("xpt: %s: bad magic byte %#x at start; corrupted or not a checkpoint", filename, hdr[0])
	}
	blockSize := int64(uint32BE(hdr[1:5]))
	ranks := int(uint32BE(hdr[5:9]))
	if blockSize == 0 || ranks == 0 {
		f.Close()
		return nil, fmt.Errorf("xpt: %s: zero block size or ranks in header", filename)
	}
	return &Reader{
		f:         f,
		BlockSize: blockSize,
		Ranks:     ranks,
		pos:       filePos{block: 0, off: 1 + headerBytes},
	}, nil
}

// Close closes the file.
func (r *Reader) Close() error {
	err := r.f.Close()
	r.f = nil
	return err
}

// SelectRank positions the reader at the first record of the given rank.
// Returns ErrEndOfRank when the rank wrote nothing.
func (r *Reader) SelectRank(rank int) error {
	if rank < 0 || rank >= r.Ranks {
		return fmt.Errorf("xpt: invalid rank %d of %d", rank, r.Ranks)
	}
	r.currRank = rank
	if err := r.moveToBlock(int64(rank)); err != nil {
		return err
	}
	if rank == 0 {
		// Skip the file header in block 0.
		r.pos.off += headerBytes
	}
	return nil
}

// moveToBlock seeks to a block start and consumes its magic byte.
// ErrEndOfRank when the block is holy or past end of file.
func (r *Reader) moveToBlock(block int64) error {
	r.pos = filePos{block: block, off: 0}
	var magic [1]byte
	_, err := r.f.ReadAt(magic[:], r.pos.fileOffset(r.BlockSize))
	if err == io.EOF {
		return ErrEndOfRank
	}
	if err != nil {
		return fmt.Errorf("xpt: reading block %d: %w", block, err)
	}
	if magic[0] == 0 {
		debug.Logf("xpt: past last block %d for rank %d", block, r.currRank)
		return ErrEndOfRank
	}
	if magic[0] != magicByte {
		return fmt.Errorf("xpt: bad magic byte %#x at block %d", magic[0], block)
	}
	r.pos.off = 1
	return nil
}

// blkread reads n data bytes, advancing across this rank's blocks.
func (r *Reader) blkread(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if r.pos.off >= r.BlockSize {
			if err := r.moveToBlock(r.pos.block + int64(r.Ranks)); err != nil {
				return nil, err
			}
		}
		left := r.BlockSize - r.pos.off
		want := int64(n - len(out))
		if left < want {
			want = left
		}
		chunk := make([]byte, want)
		m, err := r.f.ReadAt(chunk, r.pos.fileOffset(r.BlockSize))
		if err == io.EOF && int64(m) < want {
			return nil, ErrEndOfRank
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("xpt: read at %d: %w", r.pos.fileOffset(r.BlockSize), err)
		}
		out = append(out, chunk...)
		r.pos.off += want
	}
	return out, nil
}

func (r *Reader) blkgetc() (byte, error) {
	b, err := r.blkread(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) readUint32() (uint32, error) {
	b, err := r.blkread(4)
	if err != nil {
		return 0, err
	}
	return uint32BE(b), nil
}

// readVint decodes a record-length vint byte by byte, returning the
// value and its encoded form. A decode failure (as opposed to an I/O
// failure) is reported with decodeErr true so the caller can resync.
func (r *Reader) readVint() (v int64, enc []byte, decodeErr bool, err error) {
	var d codec.VintDecoder
	b, err := r.blkgetc()
	if err != nil {
		return 0, nil, false, err
	}
	enc = append(enc, b)
	more := d.Start(b)
	for more {
		b, err = r.blkgetc()
		if err != nil {
			return 0, nil, false, err
		}
		enc = append(enc, b)
		more = d.More(b)
	}
	if d.Err() != nil {
		return 0, enc, true, d.Err()
	}
	return d.Value(), enc, false, nil
}

// Read returns the next record for the selected rank.
//
// ErrInvalidRecord means the record failed validation; the reader has
// resynchronized and the caller should Read again. ErrEndOfRank means
// this rank has no more records.
func (r *Reader) Read() (Record, error) {
	// Resync restarts one byte past the start of this record's sync marker.
	resyncPos := advance(r.pos, 1, r.BlockSize, int64(r.Ranks))

	sync, err := r.readUint32()
	if err != nil {
		return Record{}, err
	}
	if sync != syncMarker {
		// Not much to be done if the marker is damaged; proceed and let
		// the CRC decide.
		debug.Logf("xpt: sync marker mismatch: %#x vs %#x, proceeding", sync, syncMarker)
	}

	crc, err := r.readUint32()
	if err != nil {
		return Record{}, err
	}

	recLen, recLenEnc, decodeErr, err := r.readVint()
	if err != nil {
		if decodeErr {
			r.resync(resyncPos)
			return Record{}, ErrInvalidRecord
		}
		return Record{}, err
	}
	if recLen < 0 || recLen > MaxRecord {
		debug.Logf("xpt: out of range record length: %d", recLen)
		r.resync(resyncPos)
		return Record{}, ErrInvalidRecord
	}

	if recLen == 0 {
		if crc32.ChecksumIEEE(recLenEnc) != crc {
			r.resync(resyncPos)
			return Record{}, ErrInvalidRecord
		}
		// A valid end-of-rank marker.
		return Record{}, ErrEndOfRank
	}

	bodyPos := r.pos
	body, err := r.blkread(int(recLen))
	if err != nil {
		return Record{}, err
	}
	calc := crc32.ChecksumIEEE(recLenEnc)
	calc = crc32.Update(calc, crc32.IEEETable, body)
	if calc != crc {
		debug.Logf("xpt: CRC mismatch: computed %#x expected %#x", calc, crc)
		r.resync(resyncPos)
		return Record{}, ErrInvalidRecord
	}

	keyLen, kn, err := codec.DecodeVint(body)
	if err != nil || keyLen < 0 || int64(kn)+keyLen > recLen {
		debug.Logf("xpt: bad key length %d in %d-byte record", keyLen, recLen)
		r.resync(resyncPos)
		return Record{}, ErrInvalidRecord
	}

	valPos := advance(bodyPos, int64(kn)+keyLen, r.BlockSize, int64(r.Ranks))
	return Record{
		Key:       body[kn : int64(kn)+keyLen],
		Val:       body[int64(kn)+keyLen:],
		ValOffset: valPos.fileOffset(r.BlockSize),
	}, nil
}

// resync scans forward from pos, sliding a four-byte big-endian window
// until the sync marker reappears, and leaves the reader positioned at
// the marker. Errors here are swallowed; the next Read surfaces them.
func (r *Reader) resync(pos filePos) {
	r.pos = pos
	// history[i] is the position of the i-th most recent window byte.
	var history [4]filePos
	var window uint32
	for i := 0; i < 4; i++ {
		history[3-i] = r.pos
		b, err := r.blkgetc()
		if err != nil {
			return
		}
		window = window<<8 | uint32(b)
	}
	for window != syncMarker {
		history[3], history[2], history[1] = history[2], history[1], history[0]
		history[0] = r.pos
		b, err := r.blkgetc()
		if err != nil {
			return
		}
		window = window<<8 | uint32(b)
	}
	// Rewind to the start of the marker so the next Read consumes it.
	r.pos = history[3]
}
