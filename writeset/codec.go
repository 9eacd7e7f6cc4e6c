package writeset

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Collections are encoded as a 4-byte magic word for de-synchronization
// detection, a fixed header, and a count-prefixed sequence of write-sets.
// All integers are little-endian.

var magicWord = [4]byte{0x57, 0x53, 0x52, 0x50} // "WSRP"

// headerLength is the encoded size of the magic word, Header, and the
// write-set count.
const headerLength = 4 + 1 + 4 + 16 + 8 + 8 + 8 + 4

// ErrUnknownLevel is returned when decoding a write-set of an unsupported
// apply level. It fails the carrying transaction.
var ErrUnknownLevel = errors.New("unknown write-set level")

// Marshal encodes the Collection by appending into |b|, which is returned.
func (c *Collection) Marshal(b []byte) []byte {
	var scratch [8]byte

	b = append(b, magicWord[:]...)
	b = append(b, c.Version)
	b = appendUint32(b, scratch[:], c.Flags)
	b = append(b, c.Source[:]...)
	b = appendUint64(b, scratch[:], c.ConnID)
	b = appendUint64(b, scratch[:], c.TrxID)
	b = appendUint64(b, scratch[:], uint64(c.LastSeen))
	b = appendUint32(b, scratch[:], uint32(len(c.Sets)))

	for i := range c.Sets {
		b = c.Sets[i].marshal(b, scratch[:])
	}
	return b
}

func (ws *WriteSet) marshal(b, scratch []byte) []byte {
	b = append(b, byte(ws.Level))
	b = appendUint32(b, scratch, uint32(len(ws.Keys)))
	for _, k := range ws.Keys {
		b = appendUint32(b, scratch, uint32(len(k)))
		b = append(b, k...)
	}
	switch ws.Level {
	case LevelData:
		b = appendUint32(b, scratch, uint32(len(ws.Data)))
		b = append(b, ws.Data...)
	case LevelStatement:
		b = appendUint32(b, scratch, uint32(len(ws.Queries)))
		for i := range ws.Queries {
			var q = &ws.Queries[i]
			b = appendUint64(b, scratch, uint64(q.Timestamp))
			b = appendUint32(b, scratch, q.RandSeed)
			b = appendUint32(b, scratch, uint32(len(q.Statement)))
			b = append(b, q.Statement...)
		}
	}
	return b
}

// Unmarshal decodes a Collection from |b|, which must hold exactly one
// encoded Collection.
func (c *Collection) Unmarshal(b []byte) error {
	var d = decoder{b: b}

	var magic = d.bytes(4)
	if d.err == nil && string(magic) != string(magicWord[:]) {
		return errors.New("invalid magic word")
	}
	c.Version = d.uint8()
	if d.err == nil && c.Version != Version {
		return errors.Errorf("unsupported version %d", c.Version)
	}
	c.Flags = d.uint32()
	copy(c.Source[:], d.bytes(len(uuid.UUID{})))
	c.ConnID = d.uint64()
	c.TrxID = d.uint64()
	c.LastSeen = int64(d.uint64())

	var n = d.uint32()
	c.Sets = nil
	for i := uint32(0); i != n && d.err == nil; i++ {
		var ws WriteSet
		if err := ws.unmarshal(&d); err != nil {
			return err
		}
		c.Sets = append(c.Sets, ws)
	}
	if d.err != nil {
		return d.err
	} else if len(d.b) != 0 {
		return errors.Errorf("%d bytes of trailing content", len(d.b))
	}
	return nil
}

func (ws *WriteSet) unmarshal(d *decoder) error {
	ws.Level = Level(d.uint8())

	var nKeys = d.uint32()
	for i := uint32(0); i != nKeys && d.err == nil; i++ {
		var l = d.uint32()
		ws.Keys = append(ws.Keys, Key(append([]byte(nil), d.bytes(int(l))...)))
	}

	switch ws.Level {
	case LevelData:
		var l = d.uint32()
		ws.Data = append([]byte(nil), d.bytes(int(l))...)
	case LevelStatement:
		var nQueries = d.uint32()
		for i := uint32(0); i != nQueries && d.err == nil; i++ {
			var q Query
			q.Timestamp = int64(d.uint64())
			q.RandSeed = d.uint32()
			var l = d.uint32()
			q.Statement = append([]byte(nil), d.bytes(int(l))...)
			ws.Queries = append(ws.Queries, q)
		}
	default:
		if d.err == nil {
			return errors.WithMessagef(ErrUnknownLevel, "level %d", ws.Level)
		}
	}
	return d.err
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = errors.New("unexpected end of input")
		return nil
	}
	var out = d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) uint8() uint8 {
	var b = d.bytes(1)
	if d.err != nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint32() uint32 {
	var b = d.bytes(4)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	var b = d.bytes(8)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func appendUint32(b, scratch []byte, v uint32) []byte {
	binary.LittleEndian.PutUint32(scratch[:4], v)
	return append(b, scratch[:4]...)
}

func appendUint64(b, scratch []byte, v uint64) []byte {
	binary.LittleEndian.PutUint64(scratch[:8], v)
	return append(b, scratch[:8]...)
}
