// ============================================================================
// COMBINER - FAN-IN OF SEVERAL CHANNELS INTO ONE VIRTUAL CHANNEL
// ============================================================================
//
// The combiner allocates one virtual channel and emits a tag on it for
// every tag on any of its input channels, preserving timestamps. It is
// the canonical aggregation transform: monitor the summed count rate of
// two detectors by counting the combiner's channel.
//
// Per-source emission counts are kept for telemetry readout.

package vchan

import (
	"tagstream/engine"
	"tagstream/tags"
)

// Combiner mirrors every input tag onto one shared virtual channel.
type Combiner struct {
	*engine.Base

	inputs []tags.ChannelID
	index  map[tags.ChannelID]int
	vch    tags.ChannelID

	// per-input emission counts, guarded by the measurement mutex
	counts []int64
}

// NewCombiner builds a combiner over the given inputs. The transform
// starts immediately.
func NewCombiner(t engine.TaggerBase, inputs []tags.ChannelID) (*Combiner, error) {
	c := &Combiner{
		inputs: append([]tags.ChannelID(nil), inputs...),
		index:  make(map[tags.ChannelID]int, len(inputs)),
		counts: make([]int64, len(inputs)),
	}
	for i, ch := range inputs {
		c.index[ch] = i
	}

	c.Base = engine.NewBase(t, c)
	c.vch = c.NewVirtualChannel()
	for _, ch := range inputs {
		if err := c.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	c.FinishInitialization()
	return c, nil
}

// GetChannel returns the allocated virtual channel.
func (c *Combiner) GetChannel() tags.ChannelID { return c.vch }

// GetChannelCounts returns how many emissions each input produced.
func (c *Combiner) GetChannelCounts() []int64 {
	c.Lock()
	defer c.Unlock()
	return append([]int64(nil), c.counts...)
}

// OnBlock injects one virtual tag directly after every input tag. The
// emitted tag shares its source's timestamp, so the block stays sorted.
func (c *Combiner) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming

	emits := 0
	for i := range tt {
		if tt[i].Kind == tags.TimeTag {
			if _, ok := c.index[tt[i].Channel]; ok {
				emits++
			}
		}
	}
	if emits == 0 {
		return false
	}

	out := make([]tags.Tag, 0, len(tt)+emits)
	for i := range tt {
		out = append(out, tt[i])
		if tt[i].Kind != tags.TimeTag {
			continue
		}
		if idx, ok := c.index[tt[i].Channel]; ok {
			out = append(out, tags.NewTag(tt[i].Time, c.vch))
			c.counts[idx]++
		}
	}
	*incoming = out
	return true
}

// ClearImpl resets the per-source counters.
func (c *Combiner) ClearImpl() {
	for i := range c.counts {
		c.counts[i] = 0
	}
}

// OnStart is a no-op.
func (c *Combiner) OnStart() {}

// OnStop is a no-op.
func (c *Combiner) OnStop() {}
