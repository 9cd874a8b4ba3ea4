package indexer

import "fmt"

// DefaultChunkSize keeps eth_getLogs under common provider result limits.
const DefaultChunkSize uint64 = 2000

// Chunk is an inclusive span of blocks fetched by one eth_getLogs call.
type Chunk struct {
	From uint64
	To   uint64
}

// Blocks is the number of blocks the chunk covers.
func (c Chunk) Blocks() uint64 {
	return c.To - c.From + 1
}

// Chunks covers [from, to] with consecutive chunks of size blocks; only the
// last one may be shorter. A zero size means DefaultChunkSize.
func Chunks(from, to, size uint64) ([]Chunk, error) {
	if to < from {
		return nil, fmt.Errorf("invalid block range: from %d is after to %d", from, to)
	}
	if size == 0 {
		size = DefaultChunkSize
	}

	chunks := make([]Chunk, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		chunks = append(chunks, Chunk{From: start, To: end})
		if end == to {
			return chunks, nil
		}
	}
}
