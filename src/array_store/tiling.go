package array_store

import (
	"strconv"
	"strings"
)

// chunkRegion maps one chunk of the grid onto the full array.
type chunkRegion struct {
	Coords []int // index of the chunk in the grid
	Origin []int // first element of the chunk in array coordinates
	Extent []int // chunk dimensions, clipped at the array edge
}

func (r chunkRegion) numElements() int {
	n := 1
	for _, e := range r.Extent {
		n *= e
	}
	return n
}

func regionFor(schema ArraySchema, coords []int) chunkRegion {
	n := len(schema.Shape)
	r := chunkRegion{
		Coords: append([]int(nil), coords...),
		Origin: make([]int, n),
		Extent: make([]int, n),
	}
	for d := 0; d < n; d++ {
		r.Origin[d] = coords[d] * schema.Chunks[d]
		r.Extent[d] = min(schema.Chunks[d], schema.Shape[d]-r.Origin[d])
	}
	return r
}

// coordsInGrid reports whether coords address an existing chunk.
func coordsInGrid(schema ArraySchema, coords []int) bool {
	if len(coords) != len(schema.Shape) {
		return false
	}
	grid := schema.Grid()
	for d, c := range coords {
		if c < 0 || c >= grid[d] {
			return false
		}
	}
	return true
}

// forEachChunk visits every chunk of the grid in row-major order.
// A rank-0 array has exactly one chunk with empty coordinates.
func forEachChunk(schema ArraySchema, fn func(chunkRegion) error) error {
	grid := schema.Grid()
	coords := make([]int, len(grid))
	for {
		if err := fn(regionFor(schema, coords)); err != nil {
			return err
		}
		d := len(grid) - 1
		for ; d >= 0; d-- {
			coords[d]++
			if coords[d] < grid[d] {
				break
			}
			coords[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// copyRegion moves one chunk between the full row-major buffer and the
// packed chunk payload. Each innermost row is one contiguous run in both.
func copyRegion(full, chunk []byte, shape []int, r chunkRegion, elementSize int, toChunk bool) {
	n := len(shape)
	if n == 0 {
		if toChunk {
			copy(chunk[:elementSize], full[:elementSize])
		} else {
			copy(full[:elementSize], chunk[:elementSize])
		}
		return
	}

	strides := make([]int, n)
	strides[n-1] = 1
	for d := n - 2; d >= 0; d-- {
		strides[d] = strides[d+1] * shape[d+1]
	}

	run := r.Extent[n-1] * elementSize
	idx := make([]int, n-1)
	off := 0
	for {
		base := r.Origin[n-1]
		for d := 0; d < n-1; d++ {
			base += (r.Origin[d] + idx[d]) * strides[d]
		}
		base *= elementSize

		if toChunk {
			copy(chunk[off:off+run], full[base:base+run])
		} else {
			copy(full[base:base+run], chunk[off:off+run])
		}
		off += run

		d := n - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < r.Extent[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

// chunkKey names a chunk file: "0" for rank 0, otherwise "i.j.k".
func chunkKey(coords []int) string {
	if len(coords) == 0 {
		return "0"
	}
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ".")
}
