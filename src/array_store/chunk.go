package array_store

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk files are protobuf-wire frames so that a chunk is self-describing
// and can be checked without consulting its schema.
const (
	fieldCoords  protowire.Number = 1 // packed varint grid coordinates
	fieldLength  protowire.Number = 2 // payload length in bytes
	fieldPayload protowire.Number = 3 // packed row-major chunk data
	fieldDigest  protowire.Number = 4 // sha-256 of payload
)

// chunkFrame is the decoded form of one chunk file.
type chunkFrame struct {
	Coords  []int
	Payload []byte
	Digest  [DigestSize]byte
}

func encodeChunkFrame(coords []int, payload []byte) []byte {
	var packed []byte
	for _, c := range coords {
		packed = protowire.AppendVarint(packed, uint64(c))
	}
	digest := sha256.Sum256(payload)

	b := make([]byte, 0, len(payload)+len(packed)+DigestSize+24)
	b = protowire.AppendTag(b, fieldCoords, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(payload)))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, digest[:])
	return b
}

func decodeChunkFrame(b []byte) (chunkFrame, error) {
	var (
		frame                               chunkFrame
		length                              uint64
		haveLength, havePayload, haveDigest bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return chunkFrame{}, fmt.Errorf("%w: %v", ErrChunkCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCoords && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return chunkFrame{}, fmt.Errorf("%w: coords: %v", ErrChunkCorrupt, protowire.ParseError(m))
			}
			frame.Coords = frame.Coords[:0]
			for len(packed) > 0 {
				c, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return chunkFrame{}, fmt.Errorf("%w: coords: %v", ErrChunkCorrupt, protowire.ParseError(k))
				}
				frame.Coords = append(frame.Coords, int(c))
				packed = packed[k:]
			}
			b = b[m:]

		case num == fieldLength && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return chunkFrame{}, fmt.Errorf("%w: length: %v", ErrChunkCorrupt, protowire.ParseError(m))
			}
			length, haveLength = v, true
			b = b[m:]

		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return chunkFrame{}, fmt.Errorf("%w: payload: %v", ErrChunkCorrupt, protowire.ParseError(m))
			}
			frame.Payload, havePayload = v, true
			b = b[m:]

		case num == fieldDigest && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return chunkFrame{}, fmt.Errorf("%w: digest: %v", ErrChunkCorrupt, protowire.ParseError(m))
			}
			if len(v) != DigestSize {
				return chunkFrame{}, fmt.Errorf("%w: digest is %d bytes", ErrChunkCorrupt, len(v))
			}
			copy(frame.Digest[:], v)
			haveDigest = true
			b = b[m:]

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return chunkFrame{}, fmt.Errorf("%w: field %d: %v", ErrChunkCorrupt, num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if !haveLength || !havePayload || !haveDigest {
		return chunkFrame{}, fmt.Errorf("%w: incomplete frame", ErrChunkCorrupt)
	}
	if uint64(len(frame.Payload)) != length {
		return chunkFrame{}, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrChunkCorrupt, len(frame.Payload), length)
	}
	if sha256.Sum256(frame.Payload) != frame.Digest {
		return chunkFrame{}, fmt.Errorf("%w: payload digest mismatch", ErrChunkCorrupt)
	}
	return frame, nil
}

func (as *ArrayStore) chunkDir(dir string) string {
	return filepath.Join(dir, ChunkDir)
}

func (as *ArrayStore) chunkPath(dir string, coords []int) string {
	return filepath.Join(as.chunkDir(dir), chunkKey(coords)+ChunkExtension)
}

func (as *ArrayStore) writeChunk(dir string, schema ArraySchema, coords []int, payload []byte) error {
	if !coordsInGrid(schema, coords) {
		return fmt.Errorf("chunk coordinates %v outside grid %v", coords, schema.Grid())
	}
	want := regionFor(schema, coords).numElements() * schema.ElementSize
	if len(payload) != want {
		return fmt.Errorf("%w: chunk %v is %d bytes, expected %d", ErrSizeMismatch, coords, len(payload), want)
	}

	path := as.chunkPath(dir, coords)
	frame := encodeChunkFrame(coords, payload)
	if err := writeFileAtomic(path, frame); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", chunkKey(coords), err)
	}

	if as.config.VerifyOnWrite {
		written, err := as.readChunk(dir, schema, coords)
		if err != nil {
			return fmt.Errorf("failed to verify written chunk %s: %w", chunkKey(coords), err)
		}
		if !slices.Equal(written, payload) {
			return fmt.Errorf("%w: chunk %s verification failed after write", ErrChunkCorrupt, chunkKey(coords))
		}
	}

	as.lock.Lock()
	as.stats.ChunksWritten++
	as.stats.BytesWritten += int64(len(frame))
	as.lock.Unlock()
	return nil
}

// readChunk loads and validates one chunk; the returned payload is exactly
// the clipped extent of that chunk.
func (as *ArrayStore) readChunk(dir string, schema ArraySchema, coords []int) ([]byte, error) {
	if !coordsInGrid(schema, coords) {
		return nil, fmt.Errorf("chunk coordinates %v outside grid %v", coords, schema.Grid())
	}
	path := as.chunkPath(dir, coords)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChunkMissing, chunkKey(coords))
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", chunkKey(coords), err)
	}

	frame, err := decodeChunkFrame(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", chunkKey(coords), err)
	}
	if !slices.Equal(frame.Coords, coords) {
		return nil, fmt.Errorf("%w: chunk %s carries coordinates %v", ErrChunkCorrupt, chunkKey(coords), frame.Coords)
	}
	want := regionFor(schema, coords).numElements() * schema.ElementSize
	if len(frame.Payload) != want {
		return nil, fmt.Errorf("%w: chunk %s is %d bytes, expected %d", ErrChunkCorrupt, chunkKey(coords), len(frame.Payload), want)
	}

	as.lock.Lock()
	as.stats.ChunksRead++
	as.stats.BytesRead += int64(len(data))
	as.lock.Unlock()
	return frame.Payload, nil
}
