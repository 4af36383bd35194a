// Package xpt implements the checkpoint log: a single append-only file
// shared by all ranks, striped into fixed-size blocks. Block b is owned by
// rank b mod N, so writers never interfere and the file stays sparse-
// friendly. Records are CRC-protected and delimited by sync markers so a
// reader can skip a corrupted record and resynchronize on the next one.
package xpt

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/dreamware/quarry/internal/codec"
)

// DefaultBlockSize is the block size used unless configured otherwise.
const DefaultBlockSize = 4 * 1024 * 1024

// MaxRecord bounds a record's length; decoded lengths beyond it are
// treated as corruption.
const MaxRecord = 20*1024*1024 - 1

// magicByte opens every block in use. A zero byte at block start marks a
// holy (unused) block in the sparse file.
const magicByte = 0x42

// syncMarker opens every record.
const syncMarker = 0x5F1C0B73

// writeBufferSize is the writer's in-memory buffer.
const writeBufferSize = 64 * 1024

// eofRecordBytes is the size of the zero-length end-of-rank marker:
// sync marker, CRC, one-byte record length.
const eofRecordBytes = 4 + 4 + 1

// headerBytes is the block 0 header after the magic byte: u32 block size,
// u32 ranks.
const headerBytes = 8

// filePos addresses a byte as (block, offset within block).
type filePos struct {
	block int64
	off   int64
}

func (p filePos) fileOffset(blockSize int64) int64 {
	return p.block*blockSize + p.off
}

// advance moves pos forward by n data bytes within one rank's block
// stripe. Crossing into a new block lands at offset 1: the magic byte at
// offset 0 is framing, not data. Use this for positions in the decoded
// data stream (record offsets, value offsets).
func advance(pos filePos, n int64, blockSize int64, stride int64) filePos {
	for n > 0 {
		left := blockSize - pos.off
		if n < left {
			pos.off += n
			return pos
		}
		n -= left
		pos.block += stride
		pos.off = 1
	}
	return pos
}

// rawAdvance moves pos forward by n raw file bytes, magic bytes
// included. Crossing lands at offset 0. The writer's buffered stream
// carries the magic bytes literally, so its head advances this way.
func rawAdvance(pos filePos, n int64, blockSize int64, stride int64) filePos {
	for n > 0 {
		left := blockSize - pos.off
		if n < left {
			pos.off += n
			return pos
		}
		n -= left
		pos.block += stride
		pos.off = 0
	}
	return pos
}

// Writer appends records to the blocks owned by one rank.
type Writer struct {
	f         *os.File
	rank      int
	ranks     int
	blockSize int64

	// bufStart is the file position of the first buffered byte; buf
	// already contains block magic bytes at the right offsets.
	bufStart filePos
	buf      []byte
}

// NewWriter opens (or creates) the checkpoint file for one rank's
// writes. Rank 0 writes the file header.
func NewWriter(filename string, rank, ranks int, blockSize int64) (*Writer, error) {
	if blockSize <= headerBytes+1 {
		return nil, fmt.Errorf("xpt: block size %d too small", blockSize)
	}
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("xpt: opening %s for write: %w", filename, err)
	}
	w := &Writer{
		f:         f,
		rank:      rank,
		ranks:     ranks,
		blockSize: blockSize,
		bufStart:  filePos{block: int64(rank), off: 0},
		buf:       make([]byte, 0, writeBufferSize),
	}
	if rank == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var hdr [headerBytes]byte
	putUint32BE(hdr[0:], uint32(w.blockSize))
	putUint32BE(hdr[4:], uint32(w.ranks))
	if err := w.bufwrite(hdr[:]); err != nil {
		return err
	}
	return w.Flush()
}

// head returns the raw position the next buffered byte will occupy.
func (w *Writer) head() filePos {
	return rawAdvance(w.bufStart, int64(len(w.buf)), w.blockSize, int64(w.ranks))
}

// headData is head adjusted so that a position at a block start accounts
// for the magic byte about to be placed there.
func (w *Writer) headData() filePos {
	h := w.head()
	if h.off == 0 {
		h.off = 1
	}
	return h
}

// bufwrite appends data to the write buffer, inserting the block magic
// byte whenever the stream crosses into a fresh block.
func (w *Writer) bufwrite(data []byte) error {
	for len(data) > 0 {
		h := w.head()
		if h.off == 0 {
			w.buf = append(w.buf, magicByte)
			h.off = 1
		}
		n := w.blockSize - h.off
		if int64(len(data)) < n {
			n = int64(len(data))
		}
		w.buf = append(w.buf, data[:n]...)
		data = data[n:]
		if len(w.buf) >= writeBufferSize {
			if err := w.flushBuffer(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushBuffer() error {
	pos := w.bufStart
	rest := w.buf
	for len(rest) > 0 {
		if pos.off == w.blockSize {
			pos.block += int64(w.ranks)
			pos.off = 0
		}
		n := w.blockSize - pos.off
		if int64(len(rest)) < n {
			n = int64(len(rest))
		}
		if _, err := w.f.WriteAt(rest[:n], pos.fileOffset(w.blockSize)); err != nil {
			return fmt.Errorf("xpt: writing at offset %d: %w", pos.fileOffset(w.blockSize), err)
		}
		rest = rest[n:]
		pos.off += n
	}
	if pos.off == w.blockSize {
		pos.block += int64(w.ranks)
		pos.off = 0
	}
	w.bufStart = pos
	w.buf = w.buf[:0]
	return nil
}

// Flush drains the buffer and syncs the file.
func (w *Writer) Flush() error {
	if err := w.flushBuffer(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("xpt: sync: %w", err)
	}
	return nil
}

// WriteRecord appends one key/value record and returns the absolute file
// offset of the value bytes, for use in index entries.
//
// Record layout: u32 sync marker, u32 crc32, vint record length, vint key
// length, key bytes, value bytes. The CRC covers everything after itself.
func (w *Writer) WriteRecord(key, val []byte) (valOffset int64, err error) {
	var keyLenEnc [codec.VintMaxBytes]byte
	kn := codec.EncodeVint(int64(len(key)), keyLenEnc[:])

	recLen := int64(kn) + int64(len(key)) + int64(len(val))
	return w.writeEntry(recLen, keyLenEnc[:kn], key, val)
}

func (w *Writer) writeEntry(recLen int64, keyLenEnc, key, val []byte) (int64, error) {
	var recLenEnc [codec.VintMaxBytes]byte
	rn := codec.EncodeVint(recLen, recLenEnc[:])

	crc := crc32.ChecksumIEEE(recLenEnc[:rn])
	if recLen > 0 {
		crc = crc32.Update(crc, crc32.IEEETable, keyLenEnc)
		crc = crc32.Update(crc, crc32.IEEETable, key)
		crc = crc32.Update(crc, crc32.IEEETable, val)
	}

	var hdr [8]byte
	putUint32BE(hdr[0:], syncMarker)
	putUint32BE(hdr[4:], crc)
	if err := w.bufwrite(hdr[:]); err != nil {
		return 0, err
	}
	if err := w.bufwrite(recLenEnc[:rn]); err != nil {
		return 0, err
	}
	if recLen == 0 {
		return 0, nil
	}
	if err := w.bufwrite(keyLenEnc); err != nil {
		return 0, err
	}
	if err := w.bufwrite(key); err != nil {
		return 0, err
	}
	valOffset := w.headData().fileOffset(w.blockSize)
	if err := w.bufwrite(val); err != nil {
		return 0, err
	}
	return valOffset, nil
}

// ReadVal reads value bytes back from the file this writer is appending
// to. The caller must have flushed past the record first (the index
// enforces this). The record's CRC is not re-verified on this path.
func (w *Writer) ReadVal(offset int64, length int) ([]byte, error) {
	pos := filePos{block: offset / w.blockSize, off: offset % w.blockSize}
	out := make([]byte, 0, length)
	remaining := int64(length)
	for remaining > 0 {
		left := w.blockSize - pos.off
		n := remaining
		if left < n {
			n = left
		}
		chunk := make([]byte, n)
		if _, err := w.f.ReadAt(chunk, pos.fileOffset(w.blockSize)); err != nil {
			return nil, fmt.Errorf("xpt: reading value at %d: %w", pos.fileOffset(w.blockSize), err)
		}
		out = append(out, chunk...)
		remaining -= n
		pos = advance(pos, n, w.blockSize, int64(w.ranks))
	}
	return out, nil
}

// Close writes the end-of-rank marker when the current block has room for
// it, flushes, and closes the file. A rank whose write head sits exactly
// at a block boundary leaves the boundary implicit; readers treat that
// the same as end of file.
func (w *Writer) Close() error {
	h := w.headData()
	if h.off > 1 && w.blockSize-h.off >= eofRecordBytes {
		if _, err := w.writeEntry(0, nil, nil, nil); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("xpt: closing checkpoint file: %w", err)
	}
	w.f = nil
	return nil
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func uint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
