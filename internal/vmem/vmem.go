// Package vmem presents a large, byte-addressable memory out of a small RAM
// cache backed by a file. At most one page resides in the cache; a dirty
// cache is flushed before another page is brought in. Pages are aligned to
// half the cache size so that a multi-byte access near the top of a window
// still has room below the window's end.
package vmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PageSize is the granularity in which backing files are grown.
const PageSize = 256

// copyBlockSize is the scratch buffer used by Copy.
const copyBlockSize = 64

// Errors returned by the virtual-memory layer.
var (
	// ErrNoCache indicates a cached access on a segment initialized with a
	// zero-byte cache. Only Read, Write, and Copy are legal on those.
	ErrNoCache = errors.New("vmem: segment has no cache")

	// ErrClosed indicates an access after Cleanup.
	ErrClosed = errors.New("vmem: segment closed")
)

// File is the backing-store handle a segment operates on. The filesystem
// collaborator provides implementations; the segment never touches the host
// filesystem directly.
type File interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}

// FS opens and removes backing files. Open creates the file when absent and
// returns its current size.
type FS interface {
	Open(name string) (File, int64, error)
	Remove(name string) error
}

// Segment is a file-backed memory with a single in-RAM page cache.
type Segment struct {
	file       File
	fileSize   uint32
	baseOffset uint32
	validBytes uint32
	dirty      bool
	cache      []byte
	ownsCache  bool
}

// Init opens the backing file (creating it if absent), adopts staticCache
// or allocates a cache of cacheBytes, and records the current file size. A
// cacheBytes of zero is permitted; only Read, Write, and Copy are legal on
// the segment in that case.
func (s *Segment) Init(fs FS, filename string, cacheBytes int, staticCache []byte) error {
	if fs == nil || filename == "" {
		return errors.New("vmem: nil filesystem or empty filename")
	}

	file, size, err := fs.Open(filename)
	if err != nil {
		return fmt.Errorf("opening backing file: %w", err)
	}

	s.file = file
	s.fileSize = uint32(size)
	s.baseOffset = 0
	s.validBytes = 0
	s.dirty = false
	s.cache = nil
	s.ownsCache = false
	if cacheBytes > 0 {
		if staticCache != nil {
			s.cache = staticCache[:cacheBytes]
		} else {
			s.cache = make([]byte, cacheBytes)
			s.ownsCache = true
		}
		for i := range s.cache {
			s.cache[i] = 0
		}
	}

	return nil
}

// Cleanup flushes a dirty cache, closes the backing file, and drops the
// cache buffer. An owned cache is always dropped; an adopted static cache
// is dropped only when freeBuffer is set.
func (s *Segment) Cleanup(freeBuffer bool) error {
	var err error
	if s.file != nil {
		err = s.flush()
		if closeErr := s.file.Close(); err == nil {
			err = closeErr
		}
		s.file = nil
	}
	if freeBuffer || s.ownsCache {
		s.cache = nil
	}
	s.validBytes = 0
	s.baseOffset = 0
	s.dirty = false
	return err
}

// Size returns the logical size of the segment's backing file.
func (s *Segment) Size() uint32 { return s.fileSize }

// SetSize overrides the recorded logical size. The VM uses this after
// copying a program image whose destination window does not start at zero.
func (s *Segment) SetSize(size uint32) { s.fileSize = size }

// CacheSize returns the size of the page cache in bytes.
func (s *Segment) CacheSize() int { return len(s.cache) }

func (s *Segment) flush() error {
	if !s.dirty {
		return nil
	}
	// dirty is only ever set after a successful cached access, so
	// validBytes is nonzero here.
	if _, err := s.file.WriteAt(s.cache[:s.validBytes], int64(s.baseOffset)); err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	s.dirty = false
	return nil
}

// prepare writes back a dirty cache, clears it, and extends the backing
// file in page-aligned steps until it covers endOffset. Extension copies
// zeros through the filesystem copy primitive.
func (s *Segment) prepare(endOffset uint32) error {
	if err := s.flush(); err != nil {
		return err
	}
	for i := range s.cache {
		s.cache[i] = 0
	}
	s.dirty = false

	if s.fileSize < endOffset {
		length := endOffset - s.fileSize
		if length&(PageSize-1) != 0 {
			length &= ^uint32(PageSize - 1)
			length += PageSize
		}
		if _, err := Copy(nil, 0, s, s.fileSize, length); err != nil {
			return err
		}
		s.fileSize = endOffset
	}

	return nil
}

// load makes the page containing offset resident and returns the offset's
// index into the cache. The loaded window starts at a half-cache-aligned
// base so that offset always lands in the lower half, leaving room for a
// multi-byte access. need is the access width in bytes.
func (s *Segment) load(offset uint32, need int) (int, error) {
	if s.file == nil {
		return 0, ErrClosed
	}
	if len(s.cache) == 0 {
		return 0, ErrNoCache
	}

	cacheSize := uint32(len(s.cache))
	if offset >= s.baseOffset && offset+uint32(need) <= s.baseOffset+s.validBytes {
		return int(offset - s.baseOffset), nil
	}

	if err := s.prepare(offset + cacheSize); err != nil {
		return 0, err
	}

	half := cacheSize >> 1
	s.baseOffset = (offset / half) * half
	n, err := s.file.ReadAt(s.cache, int64(s.baseOffset))
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("loading page at %d: %w", s.baseOffset, err)
	}
	s.validBytes = uint32(n)
	if s.validBytes == 0 {
		return 0, fmt.Errorf("vmem: no data at offset %d", offset)
	}

	return int(offset - s.baseOffset), nil
}

// Read8 reads a byte at offset through the page cache.
func (s *Segment) Read8(offset uint32) (uint8, error) {
	idx, err := s.load(offset, 1)
	if err != nil {
		return 0, err
	}
	return s.cache[idx], nil
}

// Read16 reads a little-endian 16-bit value at offset.
func (s *Segment) Read16(offset uint32) (uint16, error) {
	idx, err := s.load(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(s.cache[idx:]), nil
}

// Read32 reads a little-endian 32-bit value at offset.
func (s *Segment) Read32(offset uint32) (uint32, error) {
	idx, err := s.load(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s.cache[idx:]), nil
}

// Read64 reads a little-endian 64-bit value at offset.
func (s *Segment) Read64(offset uint32) (uint64, error) {
	idx, err := s.load(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s.cache[idx:]), nil
}

// Write8 writes a byte at offset and marks the segment dirty.
func (s *Segment) Write8(offset uint32, value uint8) error {
	idx, err := s.load(offset, 1)
	if err != nil {
		return err
	}
	s.cache[idx] = value
	s.dirty = true
	return nil
}

// Write16 writes a little-endian 16-bit value at offset.
func (s *Segment) Write16(offset uint32, value uint16) error {
	idx, err := s.load(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(s.cache[idx:], value)
	s.dirty = true
	return nil
}

// Write32 writes a little-endian 32-bit value at offset.
func (s *Segment) Write32(offset uint32, value uint32) error {
	idx, err := s.load(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(s.cache[idx:], value)
	s.dirty = true
	return nil
}

// Write64 writes a little-endian 64-bit value at offset.
func (s *Segment) Write64(offset uint32, value uint64) error {
	idx, err := s.load(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.cache[idx:], value)
	s.dirty = true
	return nil
}

// Read performs a bulk read, bypassing the page cache. A dirty cache is
// flushed and invalidated first. Returns the number of bytes read.
func (s *Segment) Read(offset, length uint32, buffer []byte) (uint32, error) {
	if s.file == nil {
		return 0, ErrClosed
	}
	if length == 0 || buffer == nil {
		return 0, nil
	}
	if err := s.prepare(offset + length); err != nil {
		return 0, err
	}
	s.validBytes = 0
	s.baseOffset = 0

	n, err := s.file.ReadAt(buffer[:length], int64(offset))
	if err != nil && err != io.EOF {
		return uint32(n), fmt.Errorf("bulk read at %d: %w", offset, err)
	}
	return uint32(n), nil
}

// Write performs a bulk write, bypassing the page cache. A dirty cache is
// flushed and invalidated first. Returns the number of bytes written.
func (s *Segment) Write(offset, length uint32, buffer []byte) (uint32, error) {
	if s.file == nil {
		return 0, ErrClosed
	}
	if length == 0 || buffer == nil {
		return 0, nil
	}
	if err := s.prepare(offset + length); err != nil {
		return 0, err
	}
	s.validBytes = 0
	s.baseOffset = 0

	n, err := s.file.WriteAt(buffer[:length], int64(offset))
	if err != nil {
		return uint32(n), fmt.Errorf("bulk write at %d: %w", offset, err)
	}
	if end := offset + uint32(n); end > s.fileSize {
		s.fileSize = end
	}
	return uint32(n), nil
}

// Copy copies length bytes between two segments at the filesystem level,
// flushing and invalidating both caches first. A nil src copies zeros,
// which is how backing files are grown. The length is rounded up to a whole
// page and the destination size is extended to cover the copy.
func Copy(src *Segment, srcStart uint32, dst *Segment, dstStart, length uint32) (uint32, error) {
	if dst == nil || dst.file == nil {
		return 0, ErrClosed
	}
	if src != nil {
		if err := src.flush(); err != nil {
			return 0, err
		}
		src.validBytes = 0
		src.baseOffset = 0
	}
	if err := dst.flush(); err != nil {
		return 0, err
	}
	dst.validBytes = 0
	dst.baseOffset = 0

	if length&(PageSize-1) != 0 {
		length &= ^uint32(PageSize - 1)
		length += PageSize
	}

	var block [copyBlockSize]byte
	var copied uint32
	for copied < length {
		chunk := uint32(copyBlockSize)
		if remaining := length - copied; remaining < chunk {
			chunk = remaining
		}

		buf := block[:chunk]
		if src != nil {
			n, err := src.file.ReadAt(buf, int64(srcStart+copied))
			if err != nil && err != io.EOF {
				return copied, fmt.Errorf("copy read at %d: %w", srcStart+copied, err)
			}
			// Reads past the source's end copy zeros, matching the
			// page-rounded length.
			for i := n; i < int(chunk); i++ {
				buf[i] = 0
			}
		} else {
			for i := range buf {
				buf[i] = 0
			}
		}

		if _, err := dst.file.WriteAt(buf, int64(dstStart+copied)); err != nil {
			return copied, fmt.Errorf("copy write at %d: %w", dstStart+copied, err)
		}
		copied += chunk
	}

	if end := dstStart + copied; end > dst.fileSize {
		dst.fileSize = end
	}
	return copied, nil
}
