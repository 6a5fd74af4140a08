package mediator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nlpodyssey/gopickle/pickle"
)

// Opcode is the first element of a mediator frame.
type Opcode int

const (
	OpRead  Opcode = 0
	OpWrite Opcode = 1
)

// Frame is one decoded [opcode, key, value] request.
type Frame struct {
	Op    Opcode
	Key   string
	Value any
}

// Pickle protocol 2 opcodes used by the encoder
const (
	opProto      = 0x80
	opEmptyList  = ']'
	opMark       = '('
	opAppends    = 'e'
	opStop       = '.'
	opNone       = 'N'
	opNewTrue    = 0x88
	opNewFalse   = 0x89
	opBinInt1    = 'K'
	opBinInt2    = 'M'
	opBinInt     = 'J'
	opLong1      = 0x8a
	opBinFloat   = 'G'
	opBinUnicode = 'X'
)

// EncodeFrame pickles a request the way the mediator expects it.
func EncodeFrame(op Opcode, key string, value any) ([]byte, error) {
	return EncodeList(int(op), key, value)
}

// EncodeList pickles items as a Python list.
func EncodeList(items ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(opProto)
	buf.WriteByte(2)
	buf.WriteByte(opEmptyList)
	if len(items) > 0 {
		buf.WriteByte(opMark)
		for _, item := range items {
			if err := encodeValue(&buf, item); err != nil {
				return nil, err
			}
		}
		buf.WriteByte(opAppends)
	}
	buf.WriteByte(opStop)
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(opNone)
	case bool:
		if x {
			buf.WriteByte(opNewTrue)
		} else {
			buf.WriteByte(opNewFalse)
		}
	case int:
		encodeInt(buf, int64(x))
	case int32:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case uint32:
		encodeInt(buf, int64(x))
	case float32:
		encodeFloat(buf, float64(x))
	case float64:
		encodeFloat(buf, x)
	case string:
		buf.WriteByte(opBinUnicode)
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(x)))
		buf.Write(n[:])
		buf.WriteString(x)
	default:
		return fmt.Errorf("cannot encode %T for mediator", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, n int64) {
	switch {
	case n >= 0 && n <= math.MaxUint8:
		buf.WriteByte(opBinInt1)
		buf.WriteByte(byte(n))
	case n >= 0 && n <= math.MaxUint16:
		buf.WriteByte(opBinInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n >= math.MinInt32 && n <= math.MaxInt32:
		buf.WriteByte(opBinInt)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
		buf.Write(b[:])
	default:
		// little-endian two's complement, shortest form
		var out []byte
		for {
			b := byte(n)
			out = append(out, b)
			n >>= 8
			if (n == 0 && b&0x80 == 0) || (n == -1 && b&0x80 != 0) {
				break
			}
		}
		buf.WriteByte(opLong1)
		buf.WriteByte(byte(len(out)))
		buf.Write(out)
	}
}

func encodeFloat(buf *bytes.Buffer, f float64) {
	buf.WriteByte(opBinFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

type sequence interface {
	Len() int
	Get(i int) interface{}
}

// decode unpickles data, turning lists and tuples into []any.
func decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	v, err := pickle.Loads(string(data))
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	seq, ok := v.(sequence)
	if !ok {
		return v
	}
	out := make([]any, seq.Len())
	for i := range out {
		out[i] = normalize(seq.Get(i))
	}
	return out
}

// DecodeReply decodes a mediator reply. A single-element list yields the
// element itself; an ["error", msg] pair is reported as a failure.
func DecodeReply(data []byte) (any, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return v, nil
	}
	if len(list) == 1 {
		return list[0], nil
	}
	if len(list) == 2 && list[0] == "error" {
		return nil, fmt.Errorf("%w: %v", ErrRejected, list[1])
	}
	return list, nil
}

// DecodeFrame decodes a request frame.
func DecodeFrame(data []byte) (Frame, error) {
	v, err := decode(data)
	if err != nil {
		return Frame{}, err
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		return Frame{}, fmt.Errorf("expected triplet [rw,param,val], got %v", v)
	}
	op, ok := list[0].(int)
	if !ok || (op != int(OpRead) && op != int(OpWrite)) {
		return Frame{}, fmt.Errorf("bad opcode %v", list[0])
	}
	key, ok := list[1].(string)
	if !ok {
		return Frame{}, fmt.Errorf("bad param %v", list[1])
	}
	return Frame{Op: Opcode(op), Key: key, Value: list[2]}, nil
}
