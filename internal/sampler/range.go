package sampler

import "fmt"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits a block range into batches of size batchSize.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	for start := from; ; {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}

// Blocks lists the blocks of r that fall on the sampling grid origin + k*step.
func (r BlockRange) Blocks(origin, step uint64) []uint64 {
	if step == 0 {
		step = 1
	}
	first := r.From
	if first < origin {
		first = origin
	}
	if rem := (first - origin) % step; rem != 0 {
		first += step - rem
	}
	var out []uint64
	for b := first; b <= r.To; b += step {
		out = append(out, b)
		if r.To-b < step {
			break
		}
	}
	return out
}
