package hxe

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"hsx/internal/hsxerr"
)

// buildImage hand-assembles a valid HSXE buffer the way an external
// linker would, for use as test fixtures. The writer itself is out of
// scope for this package; this only exists so tests
// can exercise Decode's validation without a real toolchain.
func buildImage(t *testing.T, flags uint16, entry uint32, code []uint32, rodata []byte, appName string) []byte {
	t.Helper()
	codeBytes := make([]byte, len(code)*4)
	for i, w := range code {
		binary.LittleEndian.PutUint32(codeBytes[i*4:], w)
	}

	buf := make([]byte, HeaderSize+len(codeBytes)+len(rodata))
	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint16(buf[offVersion:], supportedVersion)
	binary.LittleEndian.PutUint16(buf[offFlags:], flags)
	binary.LittleEndian.PutUint32(buf[offEntryPC:], entry)
	binary.LittleEndian.PutUint32(buf[offCodeLen:], uint32(len(codeBytes)))
	binary.LittleEndian.PutUint32(buf[offRodataLen:], uint32(len(rodata)))
	binary.LittleEndian.PutUint32(buf[offBSSSize:], 0)
	binary.LittleEndian.PutUint32(buf[offCaps:], 0)
	copy(buf[offAppName:], appName)

	copy(buf[HeaderSize:], codeBytes)
	copy(buf[HeaderSize+len(codeBytes):], rodata)

	crcBuf := make([]byte, crcRegion)
	copy(crcBuf, buf[:crcRegion])
	for i := offCRC; i < offCRC+4; i++ {
		crcBuf[i] = 0
	}
	h := crc32.NewIEEE()
	h.Write(crcBuf)
	h.Write(codeBytes)
	h.Write(rodata)
	binary.LittleEndian.PutUint32(buf[offCRC:], h.Sum32())

	return buf
}

func TestDecodeValidImage(t *testing.T) {
	raw := buildImage(t, FlagAllowMultipleInstances, 0x100, []uint32{0x00000000, 0xdeadbeef}, []byte("hi"), "demo")
	img, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Header.AppName != "demo" {
		t.Fatalf("app name = %q", img.Header.AppName)
	}
	if !img.Header.AllowsMultipleInstances() {
		t.Fatalf("expected allow-multiple flag set")
	}
	if len(img.Code) != 2 || img.Code[1] != 0xdeadbeef {
		t.Fatalf("code mismatch: %+v", img.Code)
	}
	if string(img.Rodata) != "hi" {
		t.Fatalf("rodata mismatch: %q", img.Rodata)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := buildImage(t, 0, 0, []uint32{0}, nil, "x")
	raw[0] = 'X'
	_, err := Decode(raw)
	if !errors.Is(err, hsxerr.ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	// Toggle one byte in code; load must reject with crc_mismatch and
	// allocate no pid (scenario 6 in ).
	raw := buildImage(t, 0, 0, []uint32{0x01020304}, nil, "x")
	raw[HeaderSize] ^= 0xff
	_, err := Decode(raw)
	if !errors.Is(err, hsxerr.ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw := buildImage(t, 0, 0, []uint32{0, 0, 0}, []byte("rodata"), "x")
	_, err := Decode(raw[:len(raw)-2])
	if !errors.Is(err, hsxerr.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRoundTripStructurallyEqual(t *testing.T) {
	raw := buildImage(t, FlagAllowMultipleInstances, 4, []uint32{1, 2, 3}, []byte("ro"), "app")
	img1, err := Decode(raw)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	img2, err := Decode(raw)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if img1.Header != img2.Header {
		t.Fatalf("decode is not deterministic: %+v vs %+v", img1.Header, img2.Header)
	}
	if img1.Header.Flags != FlagAllowMultipleInstances || img1.Header.EntryPC != 4 || img1.Header.AppName != "app" {
		t.Fatalf("header fields did not survive encode/decode: %+v", img1.Header)
	}
	if len(img1.Code) != 3 || img1.Code[0] != 1 || img1.Code[1] != 2 || img1.Code[2] != 3 || string(img1.Rodata) != "ro" {
		t.Fatalf("sections did not survive encode/decode: code=%v rodata=%q", img1.Code, img1.Rodata)
	}
}
