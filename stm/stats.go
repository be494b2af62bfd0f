package stm

import (
	"sync"

	"github.com/montanaflynn/stats"
)

const abortSizeWindow = 64

// abortSizeFilter keeps a rolling window of abort sizes. The median is
// what operators watch to see how far the retry shrink has pushed
// conflicting transactions down.
type abortSizeFilter struct {
	mu      sync.Mutex
	records []float64
	size    uint64
	count   uint64
}

func newAbortSizeFilter(size int) *abortSizeFilter {
	return &abortSizeFilter{
		records: make([]float64, size),
		size:    uint64(size),
	}
}

func (f *abortSizeFilter) record(bytes uint64) {
	f.mu.Lock()
	f.records[f.count%f.size] = float64(bytes)
	f.count++
	f.mu.Unlock()
	medianAbortBytesGauge.Set(f.median())
}

func (f *abortSizeFilter) total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *abortSizeFilter) median() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		return 0
	}
	records := f.records
	if f.count < f.size {
		records = f.records[:f.count]
	}
	median, _ := stats.Median(records)
	return median
}
