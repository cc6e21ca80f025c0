package headersync

import "math"

// slice is one planned contiguous height range before a subStream
// descriptor is constructed for it.
type slice struct {
	fromHeight uint32
	count      uint32
}

// partitionRange partitions [fromHeight, fromHeight+total) into at most
// maxParallelStreams contiguous slices of roughly ceil(total/streams)
// headers, the last slice absorbing the remainder.
func partitionRange(fromHeight, toHeight, targetBatchSize, maxParallelStreams uint32) ([]slice, error) {
	if toHeight < fromHeight {
		return nil, ErrInvalidRange
	}
	total := toHeight - fromHeight + 1

	if float64(total) <= float64(targetBatchSize)*1.4 {
		return []slice{{fromHeight: fromHeight, count: total}}, nil
	}

	numStreams := uint32(math.Round(float64(total) / float64(targetBatchSize)))
	if numStreams < 1 {
		numStreams = 1
	}
	if numStreams > maxParallelStreams {
		numStreams = maxParallelStreams
	}

	per := uint32(math.Ceil(float64(total) / float64(numStreams)))
	// When the parallelism cap applies, per*(numStreams-1) can reach or
	// exceed total; recount the streams from per so every slice is non-empty.
	// This leaves numStreams unchanged whenever total > per*(numStreams-1).
	numStreams = (total + per - 1) / per

	slices := make([]slice, 0, numStreams)
	cursor := fromHeight
	remaining := total
	for i := uint32(0); i < numStreams-1; i++ {
		slices = append(slices, slice{fromHeight: cursor, count: per})
		cursor += per
		remaining -= per
	}
	// Last slice absorbs the remainder (may be smaller, never zero since
	// the recount above guarantees total > per*(numStreams-1)).
	slices = append(slices, slice{fromHeight: cursor, count: remaining})

	return slices, nil
}
