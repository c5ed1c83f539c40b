// Package wire implements the Sesame binary packet format: a fixed 32-byte
// little-endian header plus optional metadata and codec-description blocks,
// followed by a payload. See SPEC_FULL.md component A.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic is the four-byte "SESM" magic value at offset 0.
const Magic uint32 = 0x4D534553

// Version is the only wire version this package understands.
const Version uint16 = 1

// FixedHeaderSize is the width of the header block before any optional
// metadata/codec-data blocks.
const FixedHeaderSize = 32

// MetadataSize is the width of the optional NUL-padded UTF-8 routing string.
const MetadataSize = 64

// CodecDataSize is the width of the optional codec-description block.
const CodecDataSize = 24

// Flag bits for Header.Flags.
const (
	FlagHasCodecData uint32 = 1 << 0
	FlagHasMetadata  uint32 = 1 << 1
	FlagIsKeyframe   uint32 = 1 << 2
)

// PacketType enumerates the wire's `type` field.
type PacketType uint16

const (
	TypeVideoFrame PacketType = 1
	TypeAudioFrame PacketType = 2
	TypeRpc        PacketType = 3
	TypeMuxedData  PacketType = 4
	TypeDecoderData PacketType = 5
)

// CodecType enumerates the wire's `codec_type` byte.
type CodecType uint8

const (
	CodecVP8  CodecType = 1
	CodecVP9  CodecType = 2
	CodecAVC  CodecType = 3
	CodecHEVC CodecType = 4
	CodecAV1  CodecType = 5
	CodecOpus CodecType = 64
	CodecAAC  CodecType = 65
	CodecPCM  CodecType = 66
)

// Header is the 32-byte fixed header, decoded into native types.
type Header struct {
	Flags      uint32
	PTS        uint64
	ID         uint64
	Type       PacketType
	IsKeyframe bool
}

// CodecData is the optional 24-byte codec-description block.
type CodecData struct {
	SampleRate    uint32
	TimebaseNum   uint32
	TimebaseDen   uint32
	CodecProfile  uint16
	CodecLevel    uint16
	Width         uint16
	Height        uint16
	CodecType     CodecType
	Channels      uint8
	BitDepth      uint8
}

// Identity returns the codec-identity tuple used to detect codec changes.
func (c CodecData) Identity() (codecType CodecType, width, height uint16, profile, level uint16) {
	return c.CodecType, c.Width, c.Height, c.CodecProfile, c.CodecLevel
}

// ParsedPacket is a validated, borrow-friendly view over a parsed buffer.
// Payload references the input buffer directly; callers must not retain
// ParsedPacket across an async boundary without copying Payload first.
type ParsedPacket struct {
	Valid      bool
	Header     Header
	Metadata   string
	CodecData  *CodecData
	Payload    []byte
}

// InvalidArgument is returned by Serialize when a flag bit is set without
// its matching payload.
type InvalidArgument struct {
	Reason string
}

func (e *InvalidArgument) Error() string { return "wire: invalid argument: " + e.Reason }

// ParseError is returned by Parse for any malformed buffer.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "wire: parse failed: " + e.Reason }

func headerSize(flags uint32) uint16 {
	size := uint16(FixedHeaderSize)
	if flags&FlagHasMetadata != 0 {
		size += MetadataSize
	}
	if flags&FlagHasCodecData != 0 {
		size += CodecDataSize
	}
	return size
}

// Serialize builds a wire packet from header, optional metadata, optional
// codec data, and payload. header.Flags determines which optional blocks
// are written; a mismatch between flags and the supplied arguments is an
// InvalidArgument error. header_size is recomputed from flags, never taken
// from the caller. Reserved bytes are always zero.
func Serialize(header Header, metadata string, codecData *CodecData, payload []byte) ([]byte, error) {
	flags := header.Flags
	if header.IsKeyframe {
		flags |= FlagIsKeyframe
	}
	hasMetadata := flags&FlagHasMetadata != 0
	hasCodecData := flags&FlagHasCodecData != 0

	if !hasMetadata && metadata != "" {
		return nil, &InvalidArgument{Reason: "metadata supplied without HAS_METADATA flag"}
	}
	if hasCodecData && codecData == nil {
		return nil, &InvalidArgument{Reason: "HAS_CODEC_DATA set but codecData is nil"}
	}
	if !hasCodecData && codecData != nil {
		return nil, &InvalidArgument{Reason: "codecData supplied without HAS_CODEC_DATA flag"}
	}

	size := headerSize(flags)
	buf := make([]byte, int(size)+len(payload))

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], header.PTS)
	binary.LittleEndian.PutUint64(buf[16:24], header.ID)
	binary.LittleEndian.PutUint16(buf[24:26], Version)
	binary.LittleEndian.PutUint16(buf[26:28], size)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(header.Type))
	binary.LittleEndian.PutUint16(buf[30:32], 0) // reserved

	off := FixedHeaderSize
	if hasMetadata {
		putMetadata(buf[off:off+MetadataSize], metadata)
		off += MetadataSize
	}
	if hasCodecData {
		putCodecData(buf[off:off+CodecDataSize], *codecData)
		off += CodecDataSize
	}
	copy(buf[off:], payload)

	return buf, nil
}

func putMetadata(dst []byte, s string) {
	b := []byte(s)
	if len(b) > MetadataSize-1 {
		b = b[:MetadataSize-1]
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, b)
}

func putCodecData(dst []byte, cd CodecData) {
	binary.LittleEndian.PutUint32(dst[0:4], cd.SampleRate)
	binary.LittleEndian.PutUint32(dst[4:8], cd.TimebaseNum)
	binary.LittleEndian.PutUint32(dst[8:12], cd.TimebaseDen)
	binary.LittleEndian.PutUint16(dst[12:14], cd.CodecProfile)
	binary.LittleEndian.PutUint16(dst[14:16], cd.CodecLevel)
	binary.LittleEndian.PutUint16(dst[16:18], cd.Width)
	binary.LittleEndian.PutUint16(dst[18:20], cd.Height)
	dst[20] = byte(cd.CodecType)
	dst[21] = cd.Channels
	dst[22] = cd.BitDepth
	dst[23] = 0 // reserved
}

// Parse validates and decodes a wire buffer. The returned ParsedPacket's
// Payload aliases buf; callers must copy it before buf is reused or mutated.
func Parse(buf []byte) (ParsedPacket, error) {
	if len(buf) < FixedHeaderSize {
		return ParsedPacket{}, &ParseError{Reason: fmt.Sprintf("buffer too short: %d bytes", len(buf))}
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return ParsedPacket{}, &ParseError{Reason: fmt.Sprintf("bad magic: 0x%08X", magic)}
	}

	flags := binary.LittleEndian.Uint32(buf[4:8])
	pts := binary.LittleEndian.Uint64(buf[8:16])
	id := binary.LittleEndian.Uint64(buf[16:24])
	version := binary.LittleEndian.Uint16(buf[24:26])
	declaredSize := binary.LittleEndian.Uint16(buf[26:28])
	ptype := binary.LittleEndian.Uint16(buf[28:30])

	if version != Version {
		return ParsedPacket{}, &ParseError{Reason: fmt.Sprintf("unsupported version: %d", version)}
	}

	expectedSize := headerSize(flags)
	if declaredSize != expectedSize {
		return ParsedPacket{}, &ParseError{Reason: fmt.Sprintf("header_size mismatch: declared=%d expected=%d", declaredSize, expectedSize)}
	}
	if len(buf) < int(declaredSize) {
		return ParsedPacket{}, &ParseError{Reason: fmt.Sprintf("buffer shorter than header_size: %d < %d", len(buf), declaredSize)}
	}

	header := Header{
		Flags:      flags,
		PTS:        pts,
		ID:         id,
		Type:       PacketType(ptype),
		IsKeyframe: flags&FlagIsKeyframe != 0,
	}

	pkt := ParsedPacket{Valid: true, Header: header}

	off := FixedHeaderSize
	if flags&FlagHasMetadata != 0 {
		pkt.Metadata = getMetadata(buf[off : off+MetadataSize])
		off += MetadataSize
	}
	if flags&FlagHasCodecData != 0 {
		cd := getCodecData(buf[off : off+CodecDataSize])
		pkt.CodecData = &cd
		off += CodecDataSize
	}
	pkt.Payload = buf[off:]

	return pkt, nil
}

func getMetadata(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func getCodecData(b []byte) CodecData {
	return CodecData{
		SampleRate:   binary.LittleEndian.Uint32(b[0:4]),
		TimebaseNum:  binary.LittleEndian.Uint32(b[4:8]),
		TimebaseDen:  binary.LittleEndian.Uint32(b[8:12]),
		CodecProfile: binary.LittleEndian.Uint16(b[12:14]),
		CodecLevel:   binary.LittleEndian.Uint16(b[14:16]),
		Width:        binary.LittleEndian.Uint16(b[16:18]),
		Height:       binary.LittleEndian.Uint16(b[18:20]),
		CodecType:    CodecType(b[20]),
		Channels:     b[21],
		BitDepth:     b[22],
	}
}
