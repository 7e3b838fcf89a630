package archive

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// FieldType enumerates the scalar types a dataset column may hold.
type FieldType uint8

const (
	TypeUint32 FieldType = iota + 1
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
	TypeTime
	TypeBool
)

// Field is one typed column in a dataset schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes a named columnar dataset: a fixed ordered list of typed
// fields. The field order is the canonical encoding order, so encoded rows
// (and therefore content hashes over them) are reproducible across
// platforms.
type Schema struct {
	Dataset string
	Fields  []Field
}

// Row holds one value per schema field, in schema order.
type Row []any

// EncodeRow produces the canonical byte encoding of a row: each field in
// schema order, numeric values little-endian, strings and byte slices
// length-prefixed with a u32, timestamps as microseconds since the Unix
// epoch in UTC. The same bytes feed both dataset frames and content hashes.
func EncodeRow(schema Schema, row Row) ([]byte, error) {
	if len(row) != len(schema.Fields) {
		return nil, fmt.Errorf("%w: dataset %s expects %d fields, got %d",
			ErrSchemaViolation, schema.Dataset, len(schema.Fields), len(row))
	}

	var buf []byte
	for i, field := range schema.Fields {
		encoded, err := encodeValue(field, row[i])
		if err != nil {
			return nil, fmt.Errorf("%w: dataset %s field %s: %v",
				ErrSchemaViolation, schema.Dataset, field.Name, err)
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(schema Schema, buf []byte) (Row, error) {
	row := make(Row, 0, len(schema.Fields))
	cursor := 0
	for _, field := range schema.Fields {
		value, n, err := decodeValue(field, buf[cursor:])
		if err != nil {
			return nil, fmt.Errorf("%w: dataset %s field %s: %v",
				ErrSchemaViolation, schema.Dataset, field.Name, err)
		}
		row = append(row, value)
		cursor += n
	}
	if cursor != len(buf) {
		return nil, fmt.Errorf("%w: dataset %s: %d trailing bytes",
			ErrSchemaViolation, schema.Dataset, len(buf)-cursor)
	}
	return row, nil
}

func encodeValue(field Field, value any) ([]byte, error) {
	switch field.Type {
	case TypeUint32:
		v, ok := value.(uint32)
		if !ok {
			return nil, typeError("uint32", value)
		}
		return binary.LittleEndian.AppendUint32(nil, v), nil
	case TypeUint64:
		v, ok := value.(uint64)
		if !ok {
			return nil, typeError("uint64", value)
		}
		return binary.LittleEndian.AppendUint64(nil, v), nil
	case TypeFloat32:
		v, ok := value.(float32)
		if !ok {
			return nil, typeError("float32", value)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)), nil
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return nil, typeError("float64", value)
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)), nil
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return nil, typeError("string", value)
		}
		return appendLengthPrefixed(nil, []byte(v))
	case TypeBytes:
		v, ok := value.([]byte)
		if !ok {
			return nil, typeError("[]byte", value)
		}
		return appendLengthPrefixed(nil, v)
	case TypeTime:
		v, ok := value.(time.Time)
		if !ok {
			return nil, typeError("time.Time", value)
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(v.UTC().UnixMicro())), nil
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil, typeError("bool", value)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("unknown field type %d", field.Type)
	}
}

func decodeValue(field Field, buf []byte) (any, int, error) {
	switch field.Type {
	case TypeUint32:
		if len(buf) < 4 {
			return nil, 0, errShortValue
		}
		return binary.LittleEndian.Uint32(buf), 4, nil
	case TypeUint64:
		if len(buf) < 8 {
			return nil, 0, errShortValue
		}
		return binary.LittleEndian.Uint64(buf), 8, nil
	case TypeFloat32:
		if len(buf) < 4 {
			return nil, 0, errShortValue
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(buf)), 4, nil
	case TypeFloat64:
		if len(buf) < 8 {
			return nil, 0, errShortValue
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
	case TypeString:
		b, n, err := readLengthPrefixed(buf)
		if err != nil {
			return nil, 0, err
		}
		return string(b), n, nil
	case TypeBytes:
		b, n, err := readLengthPrefixed(buf)
		if err != nil {
			return nil, 0, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, n, nil
	case TypeTime:
		if len(buf) < 8 {
			return nil, 0, errShortValue
		}
		micros := int64(binary.LittleEndian.Uint64(buf))
		return time.UnixMicro(micros).UTC(), 8, nil
	case TypeBool:
		if len(buf) < 1 {
			return nil, 0, errShortValue
		}
		return buf[0] != 0, 1, nil
	default:
		return nil, 0, fmt.Errorf("unknown field type %d", field.Type)
	}
}

func appendLengthPrefixed(dst, b []byte) ([]byte, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return nil, errFrameTooLarge
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...), nil
}

func readLengthPrefixed(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, errShortValue
	}
	n := binary.LittleEndian.Uint32(buf)
	end := 4 + int(n)
	if len(buf) < end {
		return nil, 0, errShortValue
	}
	return buf[4:end], end, nil
}

func typeError(want string, got any) error {
	return fmt.Errorf("expected %s, got %T", want, got)
}
