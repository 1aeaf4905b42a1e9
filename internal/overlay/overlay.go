// Package overlay implements the header format used by native-code user
// commands that are loaded into a fixed memory window at runtime. The
// header advertises the kernel standard-C-API table and the functions the
// overlay exports; lookup is a binary search over the sorted export names.
package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Magic is "NanoOsOL" read as a 64-bit little-endian value.
const Magic uint64 = 0x4c4f734f6f6e614e

// ExportNameSize is the fixed on-disk size of an export name.
const ExportNameSize = 16

// HeaderSize is the on-disk size of the fixed header record: magic (8),
// version (4), C-API table address (4), trampoline address (4), export
// count (2), pad (2).
const HeaderSize = 24

// Errors returned by the overlay layer.
var (
	// ErrBadMagic indicates the header does not start with Magic.
	ErrBadMagic = errors.New("overlay: bad magic")

	// ErrNotFound indicates no export matched a lookup.
	ErrNotFound = errors.New("overlay: export not found")
)

// Version packs major/minor/revision/build bytes into a 32-bit value.
func Version(major, minor, revision, build uint8) uint32 {
	return uint32(major)<<24 | uint32(minor)<<16 | uint32(revision)<<8 | uint32(build)
}

// Export is a single function advertised by an overlay.
type Export struct {
	Name string
	Fn   func(any) any
}

// Header is the fixed-size record prepended to each overlay. StdCAPI and
// Trampoline hold the load-window addresses of the kernel C-API table and
// the inter-overlay call trampoline.
type Header struct {
	Magic      uint64
	Version    uint32
	StdCAPI    uint32
	Trampoline uint32
	NumExports uint16
}

// Map is the runtime view of an overlay: its header plus its exports held
// in sorted order so Lookup can binary search.
type Map struct {
	Header  Header
	exports []Export
}

// NewMap builds a Map from a header and exports, sorting the exports by
// name. Duplicate names are rejected.
func NewMap(header Header, exports []Export) (*Map, error) {
	sorted := make([]Export, len(exports))
	copy(sorted, exports)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, fmt.Errorf("overlay: duplicate export %q", sorted[i].Name)
		}
	}
	header.Magic = Magic
	header.NumExports = uint16(len(sorted))
	return &Map{Header: header, exports: sorted}, nil
}

// NumExports returns the number of exported functions.
func (m *Map) NumExports() int { return len(m.exports) }

// Lookup finds the export with exactly the given name via binary search.
func (m *Map) Lookup(name string) (Export, error) {
	lo, hi := 0, len(m.exports)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case m.exports[mid].Name == name:
			return m.exports[mid], nil
		case m.exports[mid].Name < name:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return Export{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Call looks up an export and invokes it, mirroring the inter-overlay call
// trampoline.
func (m *Map) Call(name string, arg any) (any, error) {
	export, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	return export.Fn(arg), nil
}

// EncodeHeader writes the fixed header record in its on-disk little-endian
// form, followed by one ExportNameSize+4 record per export. Function
// addresses are not meaningful on the host, so export records carry a zero
// address; the record layout is what matters to loaders.
func (m *Map) EncodeHeader() []byte {
	buf := make([]byte, HeaderSize+len(m.exports)*(ExportNameSize+4))
	binary.LittleEndian.PutUint64(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[8:], m.Header.Version)
	binary.LittleEndian.PutUint32(buf[12:], m.Header.StdCAPI)
	binary.LittleEndian.PutUint32(buf[16:], m.Header.Trampoline)
	binary.LittleEndian.PutUint16(buf[20:], uint16(len(m.exports)))
	off := HeaderSize
	for _, e := range m.exports {
		copy(buf[off:off+ExportNameSize], e.Name)
		off += ExportNameSize + 4
	}
	return buf
}

// DecodeHeader parses an encoded overlay header and returns a Map whose
// exports have names but nil functions; the loader binds them.
func DecodeHeader(data []byte) (*Map, error) {
	if len(data) < HeaderSize {
		return nil, errors.New("overlay: short header")
	}
	if binary.LittleEndian.Uint64(data[0:]) != Magic {
		return nil, ErrBadMagic
	}
	header := Header{
		Magic:      Magic,
		Version:    binary.LittleEndian.Uint32(data[8:]),
		StdCAPI:    binary.LittleEndian.Uint32(data[12:]),
		Trampoline: binary.LittleEndian.Uint32(data[16:]),
		NumExports: binary.LittleEndian.Uint16(data[20:]),
	}
	need := HeaderSize + int(header.NumExports)*(ExportNameSize+4)
	if len(data) < need {
		return nil, errors.New("overlay: truncated export table")
	}
	exports := make([]Export, header.NumExports)
	off := HeaderSize
	for i := range exports {
		name := data[off : off+ExportNameSize]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		exports[i] = Export{Name: string(name[:end])}
		off += ExportNameSize + 4
	}
	return &Map{Header: header, exports: exports}, nil
}
