package domain

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// forecastHeaderSize is the epoch-millisecond timestamp followed by the payload length.
const forecastHeaderSize = 8 + 4

// MarshalBinary encodes r as an 8-byte big-endian epoch-millisecond model start,
// a 4-byte big-endian payload length and the payload itself.
func (r ForecastRecord) MarshalBinary() ([]byte, error) {
	millis := r.modelStart.UnixMilli()
	if millis <= 0 {
		return nil, fmt.Errorf("%w: model start %s is not after the epoch", ErrInvariantViolation, r.modelStart)
	}
	if len(r.payload) == 0 || len(r.payload) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: payload length %d cannot be encoded", ErrInvariantViolation, len(r.payload))
	}

	buf := make([]byte, forecastHeaderSize+len(r.payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(millis))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(r.payload)))
	copy(buf[forecastHeaderSize:], r.payload)

	return buf, nil
}

// UnmarshalForecastRecord decodes bytes produced by ForecastRecord.MarshalBinary.
// The declared payload length must account for every byte after the header.
func UnmarshalForecastRecord(data []byte) (ForecastRecord, error) {
	if len(data) < forecastHeaderSize {
		return ForecastRecord{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptRecord, len(data))
	}

	millis := int64(binary.BigEndian.Uint64(data[0:8]))
	if millis <= 0 {
		return ForecastRecord{}, fmt.Errorf("%w: non-positive timestamp %d", ErrCorruptRecord, millis)
	}

	length := int64(int32(binary.BigEndian.Uint32(data[8:12])))
	if length <= 0 {
		return ForecastRecord{}, fmt.Errorf("%w: non-positive payload length %d", ErrCorruptRecord, length)
	}
	if int64(forecastHeaderSize)+length != int64(len(data)) {
		return ForecastRecord{}, fmt.Errorf(
			"%w: declared payload length %d does not match %d available bytes",
			ErrCorruptRecord,
			length,
			len(data)-forecastHeaderSize,
		)
	}

	payload := make([]byte, length)
	copy(payload, data[forecastHeaderSize:])

	return NewForecastRecord(time.UnixMilli(millis), payload)
}
