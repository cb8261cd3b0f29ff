package util

// Batch splits elements into consecutive slices of at most batchSize elements.
func Batch[T any](elements []T, batchSize int) [][]T {
	batches := make([][]T, 0, (len(elements)+batchSize-1)/batchSize)
	for start := 0; start < len(elements); start += batchSize {
		end := start + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		batches = append(batches, elements[start:end])
	}
	return batches
}
