// Package hxe implements the binary codec for HSXE application images:
// decoding, header validation (magic/version/CRC/sizes), and the capsule
// type the Executive loader consumes. The writer side (toolchain linker
// output) is out of scope — this package only
// ever reads images the Executive is asked to load.
//
// The bit-exact layout below is grounded on the same discipline
// vm/compile.go applies to its own fixed-width Instruction encoding
// (its unsafe.Sizeof(Instruction{}) == 8 assertion): every
// field offset is a named constant, decoded by hand with
// encoding/binary.LittleEndian rather than an unsafe cast, since HSXE
// images are read from disk/network rather than laid out by the Go
// compiler.
package hxe

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"hsx/internal/hsxerr"
)

const (
	HeaderSize = 64

	offMagic    = 0
	offVersion  = 4
	offFlags    = 6
	offEntryPC  = 8
	offCodeLen  = 12
	offRodataLen = 16
	offBSSSize  = 20
	offCaps     = 24
	offCRC      = 28
	offAppName  = 32
	appNameLen  = 32

	// crcRegion is the span of header bytes covered by the checksum
	// (0x00..0x1F). The CRC field itself (0x1C..0x1F, i.e. the last 4
	// bytes of this region) is zeroed while hashing, since a field
	// cannot authenticate itself; app_name lives entirely outside this
	// region (0x20..0x3F) so it never affects the checksum regardless
	// of build-time renaming.
	crcRegion = 32
)

var magic = [4]byte{'H', 'S', 'X', 'E'}

const supportedVersion = 0x0001

// FlagAllowMultipleInstances is bit 1 of the header flags field.
const FlagAllowMultipleInstances uint16 = 1 << 1

// Header is the decoded, fixed-size HSXE header.
type Header struct {
	Version              uint16
	Flags                uint16
	EntryPC              uint32
	CodeLen              uint32
	RodataLen            uint32
	BSSSize              uint32
	RequiredCapabilities uint32
	CRC32                uint32
	AppName              string
}

// AllowsMultipleInstances reports whether repeated loads of the same
// app name should be suffixed rather than rejected.
func (h Header) AllowsMultipleInstances() bool {
	return h.Flags&FlagAllowMultipleInstances != 0
}

// Image is a fully decoded, validated HSXE application image.
type Image struct {
	Header   Header
	Code     []uint32 // word-aligned, little-endian 32-bit instructions
	Rodata   []byte
	Manifest []byte // optional length-prefixed UTF-8 JSON, nil if absent
}

// Decode parses and validates raw HSXE bytes: magic, version, CRC, and
// declared section sizes against the actual buffer length. It does not
// mutate data.
func Decode(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d bytes, need at least %d", hsxerr.ErrTruncated, len(data), HeaderSize)
	}
	if [4]byte(data[offMagic:offMagic+4]) != magic {
		return nil, fmt.Errorf("%w: got %q", hsxerr.ErrBadMagic, data[offMagic:offMagic+4])
	}
	version := binary.LittleEndian.Uint16(data[offVersion:])
	if version != supportedVersion {
		return nil, fmt.Errorf("%w: got 0x%04x, want 0x%04x", hsxerr.ErrBadVersion, version, supportedVersion)
	}

	h := Header{
		Version:              version,
		Flags:                binary.LittleEndian.Uint16(data[offFlags:]),
		EntryPC:              binary.LittleEndian.Uint32(data[offEntryPC:]),
		CodeLen:              binary.LittleEndian.Uint32(data[offCodeLen:]),
		RodataLen:            binary.LittleEndian.Uint32(data[offRodataLen:]),
		BSSSize:              binary.LittleEndian.Uint32(data[offBSSSize:]),
		RequiredCapabilities: binary.LittleEndian.Uint32(data[offCaps:]),
		CRC32:                binary.LittleEndian.Uint32(data[offCRC:]),
	}
	h.AppName = decodeAppName(data[offAppName : offAppName+appNameLen])
	if len(h.AppName) > appNameLen-1 {
		return nil, hsxerr.ErrNameTooLong
	}

	need := uint64(HeaderSize) + uint64(h.CodeLen) + uint64(h.RodataLen)
	if need > uint64(len(data)) {
		return nil, fmt.Errorf("%w: header declares %d bytes of code+rodata, have %d remaining",
			hsxerr.ErrTruncated, h.CodeLen+h.RodataLen, uint64(len(data))-HeaderSize)
	}
	if h.CodeLen%4 != 0 {
		return nil, fmt.Errorf("%w: code length %d is not word-aligned", hsxerr.ErrTruncated, h.CodeLen)
	}

	codeBytes := data[HeaderSize : HeaderSize+h.CodeLen]
	rodata := data[HeaderSize+h.CodeLen : HeaderSize+h.CodeLen+h.RodataLen]

	if got := computeCRC(data[:crcRegion], codeBytes, rodata); got != h.CRC32 {
		return nil, fmt.Errorf("%w: header says 0x%08x, computed 0x%08x", hsxerr.ErrCRCMismatch, h.CRC32, got)
	}

	code := make([]uint32, h.CodeLen/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(codeBytes[i*4:])
	}

	var manifest []byte
	if rest := data[HeaderSize+h.CodeLen+h.RodataLen:]; len(rest) >= 4 {
		mlen := binary.LittleEndian.Uint32(rest)
		if uint64(mlen) <= uint64(len(rest)-4) {
			manifest = rest[4 : 4+mlen]
		}
	}

	return &Image{Header: h, Code: code, Rodata: append([]byte(nil), rodata...), Manifest: manifest}, nil
}

func computeCRC(headerPrefix, code, rodata []byte) uint32 {
	buf := make([]byte, crcRegion)
	copy(buf, headerPrefix)
	for i := offCRC; i < offCRC+4; i++ {
		buf[i] = 0
	}
	h := crc32.NewIEEE()
	h.Write(buf)
	h.Write(code)
	h.Write(rodata)
	return h.Sum32()
}

func decodeAppName(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
