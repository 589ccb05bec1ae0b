package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

// Wire layout of a realtime telemetry notification:
//
//	<0xC5> <type 0x01> <len 20> <payload 20 bytes> <crc32_4bytes_BE>
//
// The CRC is CRC32-IEEE over the payload only, the same envelope check the
// Speeduino msEnvelope protocol uses.
const (
	StartMarker   = 0xC5
	TypeRealtime  = 0x01
	PayloadSize   = 20
	headerSize    = 3
	crcSize       = 4
	FrameSize     = headerSize + PayloadSize + crcSize
	tempOffsetC   = 40  // raw - 40 = °C
	voltageScale  = 0.1 // V per bit
	currentScale  = 0.1 // A per bit, signed
	metresPerUnit = 1.0
)

// Status bits (payload byte 9).
const (
	statusCutoff = 1 << 0
	statusBrake  = 1 << 1
	statusRegen  = 1 << 2
)

// ErrMalformed is matched by every DecodeError via errors.Is.
var ErrMalformed = errors.New("telemetry: malformed frame")

// DecodeKind classifies a decode failure.
type DecodeKind int

const (
	Malformed DecodeKind = iota
)

func (k DecodeKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("DecodeKind(%d)", int(k))
	}
}

// DecodeError reports a structurally invalid frame. Length is the size of
// the offending byte sequence.
type DecodeError struct {
	Kind   DecodeKind
	Length int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("telemetry: %s frame (%d bytes): %s", e.Kind, e.Length, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed && e.Kind == Malformed
}

func malformed(n int, format string, args ...any) error {
	return &DecodeError{Kind: Malformed, Length: n, Reason: fmt.Sprintf(format, args...)}
}

// RawFrame is one transport notification as delivered, stamped on arrival.
type RawFrame struct {
	Data []byte
	At   time.Time
}

// Reading holds one decoded telemetry sample in engineering units.
// Readings are values and are never mutated after Decode returns them.
type Reading struct {
	VoltageV          float64   `json:"voltage"`      // pack voltage
	CurrentA          float64   `json:"current"`      // negative while regenerating
	MotorRPM          uint16    `json:"rpm"`          // motor shaft, before gear reduction
	TemperatureC      float64   `json:"temperature"`  // controller
	MotorTemperatureC float64   `json:"motorTemp"`    // motor winding
	GearCode          uint8     `json:"gearCode"`     // raw, see gear.Derive
	Cutoff            bool      `json:"cutoff"`       // controller cut motor power
	Brake             bool      `json:"brake"`        // brake lever switch
	Regen             bool      `json:"regen"`        // regen braking active
	Throttle          uint8     `json:"throttle"`     // 0-100%
	FaultFlags        uint16    `json:"faultFlags"`   // see FaultNames
	OdometerKm        float64   `json:"odometer"`     // controller-reported, cumulative this power cycle
	Sequence          uint16    `json:"seq"`          // wraps at 65535
	At                time.Time `json:"at"`
}

// PowerW is the instantaneous electrical power drawn from the pack.
func (r Reading) PowerW() float64 { return r.VoltageV * r.CurrentA }

// Decode parses one raw frame. It is pure: the same bytes and timestamp
// always produce the same Reading. Structural problems yield a *DecodeError
// and a zero Reading.
func Decode(data []byte, at time.Time) (Reading, error) {
	n := len(data)
	if n != FrameSize {
		return Reading{}, malformed(n, "want %d bytes", FrameSize)
	}
	if data[0] != StartMarker {
		return Reading{}, malformed(n, "bad start marker 0x%02X", data[0])
	}
	if data[1] != TypeRealtime {
		return Reading{}, malformed(n, "unexpected frame type 0x%02X", data[1])
	}
	if int(data[2]) != PayloadSize {
		return Reading{}, malformed(n, "payload length %d, want %d", data[2], PayloadSize)
	}

	payload := data[headerSize : headerSize+PayloadSize]
	gotCRC := binary.BigEndian.Uint32(data[headerSize+PayloadSize:])
	if calc := crc32.ChecksumIEEE(payload); gotCRC != calc {
		return Reading{}, malformed(n, "CRC mismatch: got 0x%08X, want 0x%08X", gotCRC, calc)
	}

	return parsePayload(payload, at), nil
}

func parsePayload(d []byte, at time.Time) Reading {
	status := d[9]
	return Reading{
		VoltageV:          float64(binary.LittleEndian.Uint16(d[0:2])) * voltageScale,
		CurrentA:          float64(int16(binary.LittleEndian.Uint16(d[2:4]))) * currentScale,
		MotorRPM:          binary.LittleEndian.Uint16(d[4:6]),
		TemperatureC:      float64(d[6]) - tempOffsetC,
		MotorTemperatureC: float64(d[7]) - tempOffsetC,
		GearCode:          d[8],
		Cutoff:            status&statusCutoff != 0,
		Brake:             status&statusBrake != 0,
		Regen:             status&statusRegen != 0,
		FaultFlags:        binary.LittleEndian.Uint16(d[10:12]),
		OdometerKm:        float64(binary.LittleEndian.Uint32(d[12:16])) * metresPerUnit / 1000,
		Throttle:          d[16],
		Sequence:          binary.LittleEndian.Uint16(d[18:20]),
		At:                at,
	}
}

// Encode builds the wire frame for r. Values are rounded to the wire
// resolution, so Decode(Encode(r)) equals r only for representable values.
func Encode(r Reading) []byte {
	payload := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(roundNonNeg(r.VoltageV/voltageScale)))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(int16(math.Round(r.CurrentA/currentScale))))
	binary.LittleEndian.PutUint16(payload[4:6], r.MotorRPM)
	payload[6] = uint8(roundNonNeg(r.TemperatureC + tempOffsetC))
	payload[7] = uint8(roundNonNeg(r.MotorTemperatureC + tempOffsetC))
	payload[8] = r.GearCode
	var status byte
	if r.Cutoff {
		status |= statusCutoff
	}
	if r.Brake {
		status |= statusBrake
	}
	if r.Regen {
		status |= statusRegen
	}
	payload[9] = status
	binary.LittleEndian.PutUint16(payload[10:12], r.FaultFlags)
	binary.LittleEndian.PutUint32(payload[12:16], uint32(roundNonNeg(r.OdometerKm*1000/metresPerUnit)))
	payload[16] = r.Throttle
	binary.LittleEndian.PutUint16(payload[18:20], r.Sequence)

	frame := make([]byte, 0, FrameSize)
	frame = append(frame, StartMarker, TypeRealtime, PayloadSize)
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))
}

func roundNonNeg(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Round(v)
}
