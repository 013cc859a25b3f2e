package queue

import (
	"sync"
	"time"
)

// rateCounter tracks events per second over a sliding window of one-second buckets.
type rateCounter struct {
	mu      sync.Mutex
	buckets []int64
	stamps  []int64 // unix second each bucket belongs to
}

func newRateCounter(window time.Duration) *rateCounter {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &rateCounter{
		buckets: make([]int64, n),
		stamps:  make([]int64, n),
	}
}

func (r *rateCounter) add(now time.Time, n int64) {
	sec := now.Unix()
	idx := int(sec % int64(len(r.buckets)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stamps[idx] != sec {
		r.stamps[idx] = sec
		r.buckets[idx] = 0
	}
	r.buckets[idx] += n
}

// perSecond returns the average rate over the window ending at now.
func (r *rateCounter) perSecond(now time.Time) float64 {
	sec := now.Unix()
	window := int64(len(r.buckets))

	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for i, stamp := range r.stamps {
		if sec-stamp < window {
			total += r.buckets[i]
		}
	}
	return float64(total) / float64(window)
}
