package checkpoint

// LayoutPolicy chooses chunk shapes for stored tensors.
type LayoutPolicy struct {
	MinChunkBytes    int // tensors up to this size are stored as one chunk
	TargetChunkBytes int // upper bound for a single chunk
}

// ChooseChunks returns the chunk shape for a tensor. Dimensions are filled
// from the innermost outward, each taking the largest divisor of its extent
// that fits in the remaining element budget. When the best divisor would
// waste more than half of the budget the budget itself is used and the edge
// chunks are clipped.
func (p LayoutPolicy) ChooseChunks(shape []int, elementSize int) []int {
	n := len(shape)
	chunks := make([]int, n)
	if n == 0 {
		return chunks
	}

	total := elementSize
	for _, s := range shape {
		total *= s
	}
	if total <= p.MinChunkBytes {
		copy(chunks, shape)
		return chunks
	}

	budget := max(1, p.TargetChunkBytes/max(1, elementSize))
	for d := n - 1; d >= 0; d-- {
		limit := min(shape[d], budget)
		c := largestDivisorAtMost(shape[d], limit)
		if c < limit/2 {
			c = limit
		}
		chunks[d] = c
		budget = max(1, budget/c)
	}
	return chunks
}

func largestDivisorAtMost(n, limit int) int {
	for c := limit; c > 1; c-- {
		if n%c == 0 {
			return c
		}
	}
	return 1
}
