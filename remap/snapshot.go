package remap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
)

// Snapshot layout (little-endian):
//
//	magic     [4]byte "EBRM"
//	version   uint16
//	rows      uint64
//	bitmapLen uint64
//	bitmap    [bitmapLen]byte   roaring bitmap of pruned logical rows
//	phys      [4]byte each      physical rows of the survivors, logical order
//	crc32     uint32            IEEE, over everything above
//
// Pruned rows compress to almost nothing in the bitmap, so a heavily pruned
// remapping costs about four bytes per surviving row.

var snapshotMagic = [4]byte{'E', 'B', 'R', 'M'}

const snapshotVersion uint16 = 1

// WriteRemapping serializes a dense remapping array.
func WriteRemapping(w io.Writer, remap []int32) error {
	if len(remap) == 0 {
		return fmt.Errorf("remap: empty dense remapping")
	}

	pruned := roaring.New()
	survivors := 0
	for i, p := range remap {
		switch {
		case p == PrunedSentinel:
			pruned.Add(uint32(i))
		case p < 0:
			return fmt.Errorf("remap: invalid physical index %d at logical row %d", p, i)
		default:
			survivors++
		}
	}

	bm, err := pruned.ToBytes()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	le := binary.LittleEndian
	var scratch [8]byte

	le.PutUint16(scratch[:2], snapshotVersion)
	buf.Write(scratch[:2])
	le.PutUint64(scratch[:8], uint64(len(remap)))
	buf.Write(scratch[:8])
	le.PutUint64(scratch[:8], uint64(len(bm)))
	buf.Write(scratch[:8])
	buf.Write(bm)
	for _, p := range remap {
		if p == PrunedSentinel {
			continue
		}
		le.PutUint32(scratch[:4], uint32(p))
		buf.Write(scratch[:4])
	}

	le.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	_, err = w.Write(buf.Bytes())
	return err
}

// ReadRemapping deserializes a dense remapping array written by
// WriteRemapping.
func ReadRemapping(r io.Reader) ([]int32, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4+2+8+8+4 {
		return nil, fmt.Errorf("remap: snapshot truncated (%d bytes)", len(raw))
	}

	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	le := binary.LittleEndian
	if le.Uint32(sum) != crc32.ChecksumIEEE(body) {
		return nil, fmt.Errorf("remap: snapshot checksum mismatch")
	}

	if !bytes.Equal(body[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("remap: bad snapshot magic %q", body[:4])
	}
	body = body[4:]
	if v := le.Uint16(body); v != snapshotVersion {
		return nil, fmt.Errorf("remap: unsupported snapshot version %d", v)
	}
	body = body[2:]
	rows := int(le.Uint64(body))
	body = body[8:]
	bitmapLen := int(le.Uint64(body))
	body = body[8:]
	if len(body) < bitmapLen {
		return nil, fmt.Errorf("remap: snapshot truncated in bitmap")
	}

	pruned := roaring.New()
	if err := pruned.UnmarshalBinary(body[:bitmapLen]); err != nil {
		return nil, fmt.Errorf("remap: pruned bitmap: %w", err)
	}
	body = body[bitmapLen:]

	survivors := rows - int(pruned.GetCardinality())
	if len(body) != 4*survivors {
		return nil, fmt.Errorf("remap: %d physical entries for %d survivors", len(body)/4, survivors)
	}

	remap := make([]int32, rows)
	off := 0
	for i := range remap {
		if pruned.Contains(uint32(i)) {
			remap[i] = PrunedSentinel
			continue
		}
		remap[i] = int32(le.Uint32(body[off:]))
		off += 4
	}
	return remap, nil
}
