package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Append-style encoders for the broker's persisted formats. All multi-byte
// integers are big endian. Byte strings and the snapshot body's element
// counts are uvarint prefixed so records stay length-framed and
// forward-compatible; the abort segment count is a fixed-width uint32.

func AppendUint8(b []byte, v uint8) []byte {
	return append(b, v)
}

func AppendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func AppendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func AppendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func AppendInt16(b []byte, v int16) []byte {
	return AppendUint16(b, uint16(v))
}

func AppendInt32(b []byte, v int32) []byte {
	return AppendUint32(b, uint32(v))
}

func AppendInt64(b []byte, v int64) []byte {
	return AppendUint64(b, uint64(v))
}

func AppendUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

func AppendVarint(b []byte, v int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	return append(b, buf[:n]...)
}

// AppendBytes writes a uvarint length followed by the raw bytes.
func AppendBytes(b []byte, data []byte) []byte {
	b = AppendUvarint(b, uint64(len(data)))
	return append(b, data...)
}

// Decoder consumes a buffer produced by the Append functions above. The
// first decode error sticks; callers check Err once after a run of reads.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Remaining() int {
	return len(d.buf)
}

func (d *Decoder) fail() {
	if d.err == nil {
		d.err = errors.New("insufficient bytes to decode value")
	}
}

func (d *Decoder) Uint8() uint8 {
	if d.err != nil || len(d.buf) < 1 {
		d.fail()
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *Decoder) Uint16() uint16 {
	if d.err != nil || len(d.buf) < 2 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *Decoder) Uint32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *Decoder) Int16() int16 {
	return int16(d.Uint16())
}

func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[:n])
	d.buf = d.buf[n:]
	return v
}
