package telemetry

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// SplitFrames is a bufio.SplitFunc for byte streams that carry frames back
// to back (UART bridges, or BLE notifications fragmented by a small MTU).
// Bytes before a start marker are skipped, and a marker whose header or
// CRC does not check out is skipped one byte at a time so the stream
// resynchronises on the next real frame.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		i := bytes.IndexByte(data[advance:], StartMarker)
		if i < 0 {
			return len(data), nil, nil
		}
		advance += i
		rest := data[advance:]
		if len(rest) < FrameSize {
			if len(rest) >= headerSize && !validHeader(rest) {
				advance++
				continue
			}
			if atEOF {
				return len(data), nil, nil
			}
			return advance, nil, nil
		}
		if validHeader(rest) && validCRC(rest[:FrameSize]) {
			return advance + FrameSize, rest[:FrameSize], nil
		}
		advance++
	}
}

func validHeader(b []byte) bool {
	return b[0] == StartMarker && b[1] == TypeRealtime && b[2] == PayloadSize
}

func validCRC(frame []byte) bool {
	payload := frame[headerSize : headerSize+PayloadSize]
	return binary.BigEndian.Uint32(frame[headerSize+PayloadSize:]) == crc32.ChecksumIEEE(payload)
}

// Reassembler rebuilds frames from arbitrarily chunked input. It is not
// safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// maxBuffered bounds memory when the input never contains a valid frame.
const maxBuffered = 8 * FrameSize

// Feed appends chunk and returns every complete frame now available. A
// chunk that is exactly one frame-sized unit starting with the marker is
// passed through whole, so a corrupt notification still reaches Decode and
// is counted instead of vanishing into the resync.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	if len(r.buf) == 0 && len(chunk) == FrameSize && chunk[0] == StartMarker {
		return [][]byte{append([]byte(nil), chunk...)}
	}

	r.buf = append(r.buf, chunk...)
	var out [][]byte
	for {
		adv, tok, _ := SplitFrames(r.buf, false)
		if tok != nil {
			out = append(out, append([]byte(nil), tok...))
		}
		if adv == 0 {
			break
		}
		r.buf = r.buf[adv:]
		if tok == nil {
			break
		}
	}
	if len(r.buf) > maxBuffered {
		r.buf = r.buf[len(r.buf)-maxBuffered:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out
}

// Reset drops any partial frame, as after a reconnect.
func (r *Reassembler) Reset() { r.buf = nil }
