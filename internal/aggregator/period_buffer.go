package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"cropcast-backend/internal/models"
)

// channelAcc accumulates one channel's readings within a period
type channelAcc struct {
	sum   float64
	min   float64
	max   float64
	count int
}

func (a *channelAcc) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.count++
}

func (a *channelAcc) stats() models.ChannelStats {
	return models.ChannelStats{
		Average: models.Float(a.sum / float64(a.count)),
		Min:     models.Float(a.min),
		Max:     models.Float(a.max),
		Count:   a.count,
	}
}

// periodBucket holds every channel of one open period
type periodBucket struct {
	start    time.Time
	channels map[models.Channel]*channelAcc
}

// PeriodAggregator buffers raw readings into fixed-width periods
type PeriodAggregator struct {
	period time.Duration
	mu     sync.Mutex
	open   map[int64]*periodBucket
}

// NewPeriodAggregator creates an aggregator for the given period width
func NewPeriodAggregator(period time.Duration) *PeriodAggregator {
	if period <= 0 {
		period = time.Hour
	}
	return &PeriodAggregator{
		period: period,
		open:   make(map[int64]*periodBucket),
	}
}

// Period returns the aggregation width
func (pa *PeriodAggregator) Period() time.Duration {
	return pa.period
}

// Add buffers a reading. Unknown channels and non-finite values are rejected.
func (pa *PeriodAggregator) Add(r models.SensorReading) bool {
	if r.Channel.Index() < 0 || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return false
	}
	start := r.Timestamp.Truncate(pa.period)

	pa.mu.Lock()
	defer pa.mu.Unlock()

	key := start.UnixNano()
	bucket, exists := pa.open[key]
	if !exists {
		bucket = &periodBucket{
			start:    start,
			channels: make(map[models.Channel]*channelAcc),
		}
		pa.open[key] = bucket
	}
	acc, exists := bucket.channels[r.Channel]
	if !exists {
		acc = &channelAcc{}
		bucket.channels[r.Channel] = acc
	}
	acc.add(r.Value)
	return true
}

// FlushClosed removes and returns every period that ended at or before now, oldest first
func (pa *PeriodAggregator) FlushClosed(now time.Time) []models.SensorAggregate {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.flush(func(b *periodBucket) bool {
		return !b.start.Add(pa.period).After(now)
	})
}

// FlushAll removes and returns every buffered period, including the open one
func (pa *PeriodAggregator) FlushAll() []models.SensorAggregate {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.flush(func(*periodBucket) bool { return true })
}

// OpenPeriods returns the number of buffered periods
func (pa *PeriodAggregator) OpenPeriods() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return len(pa.open)
}

// flush must be called with mu held
func (pa *PeriodAggregator) flush(closed func(*periodBucket) bool) []models.SensorAggregate {
	var out []models.SensorAggregate
	for key, b := range pa.open {
		if !closed(b) {
			continue
		}
		agg := models.SensorAggregate{
			Timestamp: b.start,
			Channels:  make(map[models.Channel]models.ChannelStats, len(b.channels)),
		}
		for ch, acc := range b.channels {
			agg.Channels[ch] = acc.stats()
		}
		out = append(out, agg)
		delete(pa.open, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
