// ============================================================================
// COUNTRATE - AVERAGE RATE OVER PROCESSED STREAM TIME
// ============================================================================
//
// Measures the average count rate on one or more channels: total clicks
// divided by the stream time of every block delivered while running since
// construction or the last clear.

package counter

import (
	"tagstream/engine"
	"tagstream/tags"
)

// Countrate accumulates per-channel totals and the covered stream span.
type Countrate struct {
	*engine.Base

	channels []tags.ChannelID
	index    map[tags.ChannelID]int

	counts []int64
	span   tags.Timestamp // processed stream time since clear
}

// NewCountrate builds the measurement; it starts immediately.
func NewCountrate(t engine.TaggerBase, channels []tags.ChannelID) (*Countrate, error) {
	c := &Countrate{
		channels: append([]tags.ChannelID(nil), channels...),
		index:    make(map[tags.ChannelID]int, len(channels)),
		counts:   make([]int64, len(channels)),
	}
	for i, ch := range channels {
		c.index[ch] = i
	}

	c.Base = engine.NewBase(t, c)
	for _, ch := range channels {
		if err := c.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	c.FinishInitialization()
	return c, nil
}

// OnBlock counts clicks and stream time.
func (c *Countrate) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming
	for i := range tt {
		tg := &tt[i]
		if tg.Kind != tags.TimeTag && tg.Kind != tags.MissedEvents {
			continue
		}
		if idx, ok := c.index[tg.Channel]; ok {
			if tg.Kind == tags.MissedEvents {
				c.counts[idx] += int64(tg.Missed)
			} else {
				c.counts[idx]++
			}
		}
	}
	c.span += end - begin
	return false
}

// ClearImpl zeroes totals and the covered span.
func (c *Countrate) ClearImpl() {
	for i := range c.counts {
		c.counts[i] = 0
	}
	c.span = 0
}

// OnStart is a no-op; the span keeps integrating across stop/start.
func (c *Countrate) OnStart() {}

// OnStop keeps results readable.
func (c *Countrate) OnStop() {}

// GetData returns the average rate per channel in Hz; zero before any
// stream time has been covered.
func (c *Countrate) GetData() []float64 {
	c.Lock()
	defer c.Unlock()

	out := make([]float64, len(c.counts))
	if c.span <= 0 {
		return out
	}
	for i, n := range c.counts {
		out[i] = float64(n) * 1e12 / float64(c.span)
	}
	return out
}

// GetCountsTotal returns the per-channel click totals since clear.
func (c *Countrate) GetCountsTotal() []int64 {
	c.Lock()
	defer c.Unlock()
	return append([]int64(nil), c.counts...)
}
