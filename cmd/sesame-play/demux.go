package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"sesame/internal/fileplayer"
	"sesame/internal/wire"
)

// rawWireDemuxer reads a file of length-prefixed (uint32 LE) Sesame wire
// packets, standing in for a real container demuxer, which is out of scope
// here.
type rawWireDemuxer struct {
	f    *os.File
	info fileplayer.Info
}

func newRawWireDemuxer() *rawWireDemuxer {
	return &rawWireDemuxer{}
}

func (d *rawWireDemuxer) Load(ctx context.Context, target string) (fileplayer.Info, error) {
	f, err := os.Open(target)
	if err != nil {
		return fileplayer.Info{}, err
	}
	d.f = f

	// Peek the first packet to recover the video codec description; the
	// recording's own first packet always carries codec data.
	pkt, err := d.readPacket()
	if err != nil {
		f.Close()
		return fileplayer.Info{}, fmt.Errorf("rawwiredemux: read first packet: %w", err)
	}
	if pkt.CodecData == nil {
		f.Close()
		return fileplayer.Info{}, fmt.Errorf("rawwiredemux: first packet missing codec data")
	}
	d.info = fileplayer.Info{VideoCodec: *pkt.CodecData}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fileplayer.Info{}, err
	}
	return d.info, nil
}

// readPacket reads one length-prefixed (uint32 LE) wire packet directly
// from the file, so the file's offset always matches the logical read
// position (needed for SeekToKeyframeAtOrBefore's rescan).
func (d *rawWireDemuxer) readPacket() (wire.ParsedPacket, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.f, lenBuf[:]); err != nil {
		return wire.ParsedPacket{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.f, buf); err != nil {
		return wire.ParsedPacket{}, err
	}
	return wire.Parse(buf)
}

func (d *rawWireDemuxer) NextSample() (fileplayer.Sample, bool, error) {
	pkt, err := d.readPacket()
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return fileplayer.Sample{}, false, nil
	}
	if err != nil {
		return fileplayer.Sample{}, false, err
	}
	track := fileplayer.TrackVideo
	if pkt.Header.Type == wire.TypeAudioFrame {
		track = fileplayer.TrackAudio
	}
	return fileplayer.Sample{
		Track:      track,
		PtsMs:      int64(pkt.Header.PTS) / 1000,
		IsKeyframe: pkt.Header.IsKeyframe,
		Data:       pkt.Payload,
	}, true, nil
}

// SeekToKeyframeAtOrBefore re-scans the file from the start looking for the
// nearest video keyframe at or before targetMs. This format carries no
// index, so seeking is O(file size); acceptable for the CLI demuxer, not
// for a production container implementation.
func (d *rawWireDemuxer) SeekToKeyframeAtOrBefore(targetMs int64) error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var lastKeyframeOffset int64
	for {
		before, err := d.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		pkt, err := d.readPacket()
		if err != nil {
			break
		}
		if pkt.Header.Type == wire.TypeVideoFrame && pkt.Header.IsKeyframe {
			ts := int64(pkt.Header.PTS) / 1000
			if ts <= targetMs {
				lastKeyframeOffset = before
			} else {
				break
			}
		}
	}

	_, err := d.f.Seek(lastKeyframeOffset, io.SeekStart)
	return err
}

func (d *rawWireDemuxer) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}
