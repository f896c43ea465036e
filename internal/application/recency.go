package application

// RecencyFilter suppresses records that were already delivered downstream.
// It keeps one high-water-mark per filter instance: the maximum key (a
// timestamp) among records whose delivery was confirmed. Watermarks are
// process-lifetime scoped on purpose — after a restart the downstream's own
// dedup absorbs one redelivered batch.
type RecencyFilter[T any] struct {
	key       func(T) int64
	watermark int64
	primed    bool
}

// NewRecencyFilter creates a filter with no watermark; until the first
// Advance, everything counts as fresh.
func NewRecencyFilter[T any](key func(T) int64) *RecencyFilter[T] {
	return &RecencyFilter[T]{key: key}
}

// Fresh returns the items whose key is strictly greater than the current
// watermark, preserving their relative order. A key equal to the watermark
// means "already delivered". Fresh never moves the watermark: call Advance
// once the returned items were actually delivered, so a failed upload leaves
// the batch eligible for the next cycle.
func (f *RecencyFilter[T]) Fresh(items []T) []T {
	if !f.primed {
		return items
	}

	fresh := make([]T, 0, len(items))
	for _, item := range items {
		if f.key(item) > f.watermark {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

// Advance raises the watermark to the maximum key among the delivered items.
// It never regresses, so duplicate or out-of-order batches are harmless.
// Empty input changes nothing.
func (f *RecencyFilter[T]) Advance(delivered []T) {
	for _, item := range delivered {
		if k := f.key(item); !f.primed || k > f.watermark {
			f.watermark = k
			f.primed = true
		}
	}
}

// Watermark returns the current high-water mark and whether one exists yet.
func (f *RecencyFilter[T]) Watermark() (int64, bool) {
	return f.watermark, f.primed
}
