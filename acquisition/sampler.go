package acquisition

import (
	"sync/atomic"
	"time"
)

// rateSampler derives a captures-per-second figure from a monotonic counter,
// sampled once a second. perSecond is read from API handlers while the tick
// goroutine writes it, hence the atomic.
type rateSampler struct {
	ticker        *time.Ticker
	doneChannel   chan bool
	source        func() uint64
	lastValue     uint64
	lastTimestamp time.Time
	perSecond     int64
}

func NewRateSampler(source func() uint64) *rateSampler {
	result := &rateSampler{
		ticker:      time.NewTicker(1000 * time.Millisecond),
		source:      source,
		doneChannel: make(chan bool),
	}

	go result.tick()
	return result
}

func (rs *rateSampler) GetSample() int {
	return int(atomic.LoadInt64(&rs.perSecond))
}

func (rs *rateSampler) Close() {
	close(rs.doneChannel)
	rs.ticker.Stop()
}

func (rs *rateSampler) tick() {
	for {
		select {
		case <-rs.doneChannel:
			return
		case <-rs.ticker.C:
			timeNow := time.Now()
			newValue := rs.source()
			if rs.lastValue > 0 {
				elapsedTime := timeNow.Sub(rs.lastTimestamp)
				atomic.StoreInt64(&rs.perSecond, int64(float64(newValue-rs.lastValue)/elapsedTime.Seconds()))
			}
			rs.lastValue = newValue
			rs.lastTimestamp = timeNow
		}
	}
}
