package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrValueType is returned when a codec is handed a value of the wrong type.
var ErrValueType = errors.New("unexpected value type")

// ErrValueEncoding is returned when encoded bytes cannot be decoded.
var ErrValueEncoding = errors.New("bad value encoding")

// Int64Codec encodes int64 values.
type Int64Codec struct{}

func (Int64Codec) Encode(v any) ([]byte, error) {
	i, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("%w: want int64, got %T", ErrValueType, v)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(i))
	return buf, nil
}

func (Int64Codec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("%w: int64 wants 8 bytes, got %d",
			ErrValueEncoding, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// Float64Codec encodes float64 values.
type Float64Codec struct{}

func (Float64Codec) Encode(v any) ([]byte, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: want float64, got %T", ErrValueType, v)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

func (Float64Codec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("%w: float64 wants 8 bytes, got %d",
			ErrValueEncoding, len(data))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

// BoolCodec encodes bool values.
type BoolCodec struct{}

func (BoolCodec) Encode(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: want bool, got %T", ErrValueType, v)
	}

	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (BoolCodec) Decode(data []byte) (any, error) {
	if len(data) != 1 || data[0] > 1 {
		return nil, fmt.Errorf("%w: bad bool", ErrValueEncoding)
	}
	return data[0] == 1, nil
}

// StringCodec encodes string values.
type StringCodec struct{}

func (StringCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: want string, got %T", ErrValueType, v)
	}
	return []byte(s), nil
}

func (StringCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

// StringsCodec encodes []string values, length-prefixed per element. Suited
// for non-copyable buffer resources.
type StringsCodec struct{}

func (StringsCodec) Encode(v any) ([]byte, error) {
	ss, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: want []string, got %T", ErrValueType, v)
	}

	buf := make([]byte, 4, 4+len(ss)*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}
	return buf, nil
}

func (StringsCodec) Decode(data []byte) (any, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short []string", ErrValueEncoding)
	}

	n := binary.LittleEndian.Uint32(data)
	data = data[4:]

	// The count is untrusted; each element needs at least its 4-byte
	// length prefix, which bounds how many the input can really hold.
	capHint := int(n)
	if m := len(data) / 4; capHint > m {
		capHint = m
	}

	out := make([]string, 0, capHint)
	for i := uint32(0); i < n; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: short []string", ErrValueEncoding)
		}
		l := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, fmt.Errorf("%w: short []string", ErrValueEncoding)
		}
		out = append(out, string(data[:l]))
		data = data[l:]
	}
	return out, nil
}
