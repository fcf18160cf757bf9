package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/embedbag/rowcodec"
)

// Compression selects the snapshot payload encoding.
type Compression uint8

const (
	// Zstd is the default: best ratio on quantized rows.
	Zstd Compression = iota
	// LZ4 trades ratio for faster decompression on load-heavy paths.
	LZ4
	// None stores the row buffer verbatim.
	None
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case None:
		return "none"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Snapshot layout (little-endian):
//
//	magic       [4]byte "EBTB"
//	version     uint16
//	format      uint8
//	location    uint8
//	compression uint8
//	rows        uint64
//	dim         uint32
//	nameLen     uint16
//	name        [nameLen]byte
//	compLen     uint64
//	comp        [compLen]byte   compressed row buffer
//	crc32       uint32          IEEE, over everything above
//
// The checksum detects accidental corruption only.

var snapshotMagic = [4]byte{'E', 'B', 'T', 'B'}

const snapshotVersion uint16 = 1

// Save writes a zstd-compressed, checksummed snapshot of the table.
func (t *Table) Save(w io.Writer) error {
	return t.SaveWith(w, Zstd)
}

// SaveWith writes a snapshot with the given payload compression.
func (t *Table) SaveWith(w io.Writer, compression Compression) error {
	comp, err := compress(t.data, compression)
	if err != nil {
		return fmt.Errorf("table %q: snapshot: %w", t.spec.Name, err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	le := binary.LittleEndian
	var scratch [8]byte

	le.PutUint16(scratch[:2], snapshotVersion)
	buf.Write(scratch[:2])
	buf.WriteByte(byte(t.spec.Format))
	buf.WriteByte(byte(t.spec.Location))
	buf.WriteByte(byte(compression))
	le.PutUint64(scratch[:8], uint64(t.spec.Rows))
	buf.Write(scratch[:8])
	le.PutUint32(scratch[:4], uint32(t.spec.Dim))
	buf.Write(scratch[:4])
	le.PutUint16(scratch[:2], uint16(len(t.spec.Name)))
	buf.Write(scratch[:2])
	buf.WriteString(t.spec.Name)
	le.PutUint64(scratch[:8], uint64(len(comp)))
	buf.Write(scratch[:8])
	buf.Write(comp)

	le.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	_, err = w.Write(buf.Bytes())
	return err
}

func compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		comp := enc.EncodeAll(data, nil)
		return comp, enc.Close()
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case None:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", uint8(compression))
	}
}

func decompress(dst, comp []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(comp, dst[:0])
	case LZ4:
		data := dst[:0]
		zr := lz4.NewReader(bytes.NewReader(comp))
		buf := make([]byte, 64<<10)
		for {
			n, err := zr.Read(buf)
			data = append(data, buf[:n]...)
			if err == io.EOF {
				return data, nil
			}
			if err != nil {
				return nil, err
			}
		}
	case None:
		return append(dst[:0], comp...), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", uint8(compression))
	}
}

// Load reads a snapshot written by Save and reconstructs the table.
func Load(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4+2+1+1+1+8+4+2+8+4 {
		return nil, fmt.Errorf("table: snapshot truncated (%d bytes)", len(raw))
	}

	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	le := binary.LittleEndian
	if le.Uint32(sum) != crc32.ChecksumIEEE(body) {
		return nil, fmt.Errorf("table: snapshot checksum mismatch")
	}

	if !bytes.Equal(body[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("table: bad snapshot magic %q", body[:4])
	}
	body = body[4:]
	if v := le.Uint16(body); v != snapshotVersion {
		return nil, fmt.Errorf("table: unsupported snapshot version %d", v)
	}
	body = body[2:]

	spec := Spec{
		Format:   rowcodec.Format(body[0]),
		Location: Location(body[1]),
	}
	compression := Compression(body[2])
	body = body[3:]
	spec.Rows = int(le.Uint64(body))
	body = body[8:]
	spec.Dim = int(le.Uint32(body))
	body = body[4:]
	nameLen := int(le.Uint16(body))
	body = body[2:]
	if len(body) < nameLen+8 {
		return nil, fmt.Errorf("table: snapshot truncated in header")
	}
	spec.Name = string(body[:nameLen])
	body = body[nameLen:]
	compLen := int(le.Uint64(body))
	body = body[8:]
	if len(body) != compLen {
		return nil, fmt.Errorf("table: snapshot payload length mismatch: want %d, have %d", compLen, len(body))
	}

	t, err := New(spec)
	if err != nil {
		return nil, err
	}

	data, err := decompress(t.data, body, compression)
	if err != nil {
		return nil, fmt.Errorf("table %q: snapshot decompress: %w", spec.Name, err)
	}
	if len(data) != len(t.data) {
		return nil, fmt.Errorf("table %q: snapshot row buffer is %d bytes, want %d", spec.Name, len(data), len(t.data))
	}
	t.data = data
	return t, nil
}
