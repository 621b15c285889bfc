package page

import (
	"bytes"
	"encoding/binary"

	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

// Row is an ordered list of fields. A nil field is SQL NULL, an empty
// non-nil field is a zero-length value.
type Row [][]byte

const nullField = ^uint32(0)

func NullRow(n int) Row {
	return make(Row, n)
}

func (r Row) Clone() Row {
	res := make(Row, len(r))
	for i, f := range r {
		if f != nil {
			res[i] = bytes.Clone(f)
		}
	}
	return res
}

// Select returns the requested fields in the requested order.
func (r Row) Select(fields []int) (Row, error) {
	res := make(Row, 0, len(fields))
	for _, f := range fields {
		if f < 0 || f >= len(r) {
			return nil, rawerr.NotFound("field %d of a %d field row", f, len(r))
		}
		res = append(res, r[f])
	}
	return res, nil
}

func EncodedRowSize(r Row) int {
	n := 2
	for _, f := range r {
		n += 4 + len(f)
	}
	return n
}

func EncodeRow(r Row) []byte {
	buf := make([]byte, 0, EncodedRowSize(r))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r))) //nolint:gosec
	for _, f := range r {
		if f == nil {
			buf = binary.BigEndian.AppendUint32(buf, nullField)
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f))) //nolint:gosec
		buf = append(buf, f...)
	}
	return buf
}

func DecodeRow(data []byte) (Row, error) {
	n, err := FieldCount(data)
	if err != nil {
		return nil, err
	}

	row := make(Row, n)
	pos := 2
	for i := range n {
		if pos+4 > len(data) {
			return nil, rawerr.Corruption("row field %d: truncated length", i)
		}

		l := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		if l == nullField {
			continue
		}

		if pos+int(l) > len(data) {
			return nil, rawerr.Corruption("row field %d: truncated value", i)
		}
		row[i] = bytes.Clone(data[pos : pos+int(l)])
		pos += int(l)
	}

	if pos != len(data) {
		return nil, rawerr.Corruption("row has %d trailing bytes", len(data)-pos)
	}

	return row, nil
}

// FieldCount reads the field count from the first bytes of an encoded row.
func FieldCount(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, rawerr.Corruption("row header is truncated")
	}
	return int(binary.BigEndian.Uint16(data)), nil
}
