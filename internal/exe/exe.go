// Package exe reads and writes the executable envelope: metadata stored as
// a trailer at the tail of the file, read as little-endian 32-bit values
// from the end. The signature word sits at EOF-4 and the format version at
// EOF-8; version-1 metadata additionally records the program-segment and
// data-segment lengths, which partition the loaded image into code and
// initialized data.
package exe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Signature is the word every NanoOs executable ends with.
const Signature uint32 = 0x734f6e4e // "NnOs" little-endian

// Version1 is the only trailer format currently defined.
const Version1 uint32 = 1

// TrailerSize is the on-disk size of a version-1 trailer.
const TrailerSize = 16

// Trailer byte offsets back from EOF.
const (
	signatureOffset = 4
	versionOffset   = 8
	// Version-1 fields precede the version word.
	v1DataLengthOffset    = 12
	v1ProgramLengthOffset = 16
	v1TrailerSize         = TrailerSize
)

// Errors returned by the executable layer.
var (
	// ErrBadSignature indicates the file does not end with Signature.
	ErrBadSignature = errors.New("exe: bad signature")

	// ErrBadVersion indicates an unknown trailer version.
	ErrBadVersion = errors.New("exe: unsupported metadata version")
)

// Metadata is the parsed trailer of an executable.
type Metadata struct {
	Version       uint32
	ProgramLength uint32
	DataLength    uint32
}

func readTrailerWord(f *os.File, backOffset int64) (uint32, error) {
	var word [4]byte
	if _, err := f.Seek(-backOffset, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seeking trailer: %w", err)
	}
	if _, err := io.ReadFull(f, word[:]); err != nil {
		return 0, fmt.Errorf("reading trailer: %w", err)
	}
	return binary.LittleEndian.Uint32(word[:]), nil
}

// ReadMetadata parses the trailer of the executable at path.
func ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening executable: %w", err)
	}
	defer f.Close()

	signature, err := readTrailerWord(f, signatureOffset)
	if err != nil {
		return nil, err
	}
	if signature != Signature {
		return nil, ErrBadSignature
	}

	version, err := readTrailerWord(f, versionOffset)
	if err != nil {
		return nil, err
	}
	if version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	dataLength, err := readTrailerWord(f, v1DataLengthOffset)
	if err != nil {
		return nil, err
	}
	programLength, err := readTrailerWord(f, v1ProgramLengthOffset)
	if err != nil {
		return nil, err
	}

	return &Metadata{
		Version:       version,
		ProgramLength: programLength,
		DataLength:    dataLength,
	}, nil
}

// WriteV1Metadata appends a version-1 trailer to the executable at path.
// programLength and dataLength describe how the image splits into code and
// initialized data. An existing trailer is replaced rather than stacked.
func WriteV1Metadata(path string, programLength, dataLength uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening executable: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat executable: %w", err)
	}
	size := info.Size()

	if size >= signatureOffset {
		signature, err := readTrailerWord(f, signatureOffset)
		if err == nil && signature == Signature {
			size -= v1TrailerSize
			if err := f.Truncate(size); err != nil {
				return fmt.Errorf("removing old trailer: %w", err)
			}
		}
	}

	var trailer [v1TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], programLength)
	binary.LittleEndian.PutUint32(trailer[4:], dataLength)
	binary.LittleEndian.PutUint32(trailer[8:], Version1)
	binary.LittleEndian.PutUint32(trailer[12:], Signature)
	if _, err := f.WriteAt(trailer[:], size); err != nil {
		return fmt.Errorf("writing trailer: %w", err)
	}
	return nil
}

// ParseTrailer parses a version-1 trailer from its raw 16 bytes, as read
// from the tail of an executable image.
func ParseTrailer(tail []byte) (*Metadata, error) {
	if len(tail) < TrailerSize {
		return nil, ErrBadSignature
	}
	tail = tail[len(tail)-TrailerSize:]
	if binary.LittleEndian.Uint32(tail[12:]) != Signature {
		return nil, ErrBadSignature
	}
	version := binary.LittleEndian.Uint32(tail[8:])
	if version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	return &Metadata{
		Version:       version,
		ProgramLength: binary.LittleEndian.Uint32(tail[0:]),
		DataLength:    binary.LittleEndian.Uint32(tail[4:]),
	}, nil
}

// ImageSize returns the size of the executable at path excluding its
// trailer, which is the number of bytes the VM loads.
func ImageSize(path string) (uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat executable: %w", err)
	}
	size := info.Size()
	if size < v1TrailerSize {
		return 0, ErrBadSignature
	}
	return uint32(size - v1TrailerSize), nil
}
