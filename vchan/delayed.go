// ============================================================================
// DELAYED CHANNEL - TIME-SHIFTED CLONE OF INPUT CHANNELS
// ============================================================================
//
// A first-in first-out queue of delayed event timestamps: every tag on an
// input channel is cloned onto a per-input virtual channel at time+delay,
// merged back into the stream in sorted order.
//
// Delay transitions: raising the delay keeps every queued tag visible.
// Lowering it flushes queued tags whose shifted time would fall strictly
// before the emission horizon already reached; that transition is lossy
// and documented as such.

package vchan

import (
	"math"

	"tagstream/engine"
	"tagstream/tags"
)

// pendingTag is one queued clone awaiting emission.
type pendingTag struct {
	orig tags.Timestamp // source tag time
	vch  tags.ChannelID
}

// DelayedChannel clones input channels onto delayed virtual channels.
type DelayedChannel struct {
	*engine.Base

	inputs []tags.ChannelID
	index  map[tags.ChannelID]int
	vchs   []tags.ChannelID

	// guarded by the measurement mutex
	delay    tags.Timestamp
	queue    []pendingTag
	lastEmit tags.Timestamp // emission horizon for the lossy-shrink rule
}

// NewDelayedChannel builds the transform over one input channel.
func NewDelayedChannel(t engine.TaggerBase, input tags.ChannelID, delay tags.Timestamp) (*DelayedChannel, error) {
	return NewDelayedChannels(t, []tags.ChannelID{input}, delay)
}

// NewDelayedChannels delays several channels at once, one virtual
// channel per input. delay must be non-negative.
func NewDelayedChannels(t engine.TaggerBase, inputs []tags.ChannelID, delay tags.Timestamp) (*DelayedChannel, error) {
	if delay < 0 {
		panic("vchan: delay must be non-negative")
	}
	d := &DelayedChannel{
		inputs:   append([]tags.ChannelID(nil), inputs...),
		index:    make(map[tags.ChannelID]int, len(inputs)),
		delay:    delay,
		lastEmit: math.MinInt64,
	}
	for i, ch := range inputs {
		d.index[ch] = i
	}

	d.Base = engine.NewBase(t, d)
	d.vchs = make([]tags.ChannelID, len(inputs))
	for i := range inputs {
		d.vchs[i] = d.NewVirtualChannel()
	}
	for _, ch := range inputs {
		if err := d.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	d.FinishInitialization()
	return d, nil
}

// GetChannel returns the first allocated virtual channel.
func (d *DelayedChannel) GetChannel() tags.ChannelID { return d.vchs[0] }

// GetChannels returns all allocated virtual channels, input order.
func (d *DelayedChannel) GetChannels() []tags.ChannelID {
	return append([]tags.ChannelID(nil), d.vchs...)
}

// SetDelay changes the delay for future and queued clones. A strictly
// shorter delay drops queued tags whose shifted time falls strictly
// before the emission horizon; they never appear on the virtual channel.
func (d *DelayedChannel) SetDelay(delay tags.Timestamp) {
	if delay < 0 {
		panic("vchan: delay must be non-negative")
	}
	d.Lock()
	defer d.Unlock()

	if delay < d.delay {
		kept := d.queue[:0]
		for _, p := range d.queue {
			if p.orig+delay >= d.lastEmit {
				kept = append(kept, p)
			}
		}
		d.queue = kept
	}
	d.delay = delay
}

// OnBlock merges due queued clones with the incoming tags and queues
// fresh clones, keeping the block time-sorted.
func (d *DelayedChannel) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming
	if len(d.queue) == 0 && len(tt) == 0 {
		return false
	}

	out := make([]tags.Tag, 0, len(tt)+len(d.queue))
	qi := 0

	emit := func(p pendingTag) {
		shifted := p.orig + d.delay
		out = append(out, tags.NewTag(shifted, p.vch))
		d.lastEmit = shifted
	}

	for i := range tt {
		t := tt[i].Time
		for qi < len(d.queue) && d.queue[qi].orig+d.delay <= t {
			emit(d.queue[qi])
			qi++
		}
		out = append(out, tt[i])
		if tt[i].Kind == tags.TimeTag {
			if idx, ok := d.index[tt[i].Channel]; ok {
				d.queue = append(d.queue, pendingTag{orig: t, vch: d.vchs[idx]})
			}
		}
	}
	for qi < len(d.queue) && d.queue[qi].orig+d.delay < end {
		emit(d.queue[qi])
		qi++
	}
	d.queue = append(d.queue[:0], d.queue[qi:]...)

	mutated := len(out) != len(tt)
	if mutated {
		*incoming = out
	}
	return mutated
}

// ClearImpl flushes the pending queue.
func (d *DelayedChannel) ClearImpl() {
	d.queue = d.queue[:0]
	d.lastEmit = math.MinInt64
}

// OnStart is a no-op.
func (d *DelayedChannel) OnStart() {}

// OnStop is a no-op.
func (d *DelayedChannel) OnStop() {}
