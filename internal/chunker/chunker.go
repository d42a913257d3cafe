// Package chunker splits text into overlapping windows of Unicode code points.
package chunker

import (
	"fmt"
	"iter"

	"groundchat/pkg/domain"
)

// Defaults used for every corpus unless configured otherwise.
const (
	DefaultSize    = 512
	DefaultOverlap = 20
)

// Validate checks that size and overlap describe a chunking that advances.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfiguration, size)
	}
	if overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", domain.ErrInvalidConfiguration, overlap)
	}
	if overlap >= size {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than size %d", domain.ErrInvalidConfiguration, overlap, size)
	}
	return nil
}

// Split returns a lazy sequence of chunks of at most size runes. Consecutive
// chunks start size-overlap runes apart; the last chunk may be shorter.
// The sequence can be ranged over any number of times.
func Split(text string, size, overlap int) (iter.Seq[string], error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	runes := []rune(text)
	step := size - overlap
	return func(yield func(string) bool) {
		for start := 0; start < len(runes); start += step {
			end := min(start+size, len(runes))
			if !yield(string(runes[start:end])) {
				return
			}
			if end == len(runes) {
				return
			}
		}
	}, nil
}

// Count returns how many chunks Split yields for a text of n runes.
func Count(n, size, overlap int) int {
	if n <= 0 || size <= 0 || overlap >= size {
		return 0
	}
	if n <= size {
		return 1
	}
	step := size - overlap
	return 1 + (n-size+step-1)/step
}
