// ============================================================================
// COINCIDENCES - WINDOWED MULTI-CHANNEL COVERING DETECTION
// ============================================================================
//
// Monitors one or more coincidence groups, each a set of channels with a
// common window in picoseconds, and emits one virtual tag per detected
// covering.
//
// Detection model (per group, on each tag t on a member channel):
//   1. Pending slots older than t - window are evicted; an eviction also
//      discards t itself — the covering attempt failed, the window
//      restarts empty. A covering therefore fires at most once: re-firing
//      requires fresh events.
//   2. Otherwise, if every other member has a pending slot (necessarily
//      in window), the group fires at the policy timestamp and all slots
//      are consumed.
//   3. Otherwise t is recorded as its channel's pending slot.
//
// Overflow intervals clear all pending slots: timings inside are
// unreliable, so no covering may span one.
//
// Timestamp policies: Last (triggering tag, cheapest), First (earliest
// participant), Average (integer mean, truncated toward zero),
// ListedFirst (the slot of the group's first listed channel).

package vchan

import (
	"math"
	"sort"

	"tagstream/engine"
	"tagstream/tags"
)

// TimestampPolicy selects the emitted coincidence timestamp.
type TimestampPolicy uint8

const (
	// TimestampLast emits at the triggering tag's time.
	TimestampLast TimestampPolicy = iota
	// TimestampAverage emits at the integer mean of all participants.
	TimestampAverage
	// TimestampFirst emits at the earliest participant time.
	TimestampFirst
	// TimestampListedFirst emits at the first listed channel's time.
	TimestampListedFirst
)

const slotUnset = math.MinInt64

// coincidenceGroup is the per-group matching state.
type coincidenceGroup struct {
	channels []tags.ChannelID
	member   map[tags.ChannelID]int
	pending  []tags.Timestamp // per member, slotUnset when empty
	vch      tags.ChannelID
}

// Coincidences monitors several channel groups at once.
type Coincidences struct {
	*engine.Base

	groups []*coincidenceGroup
	// channel -> groups it participates in
	byChannel map[tags.ChannelID][]*coincidenceGroup
	policy    TimestampPolicy

	window tags.Timestamp // guarded by the measurement mutex
}

// NewCoincidences builds the transform over the given groups with a
// shared window. One virtual channel is allocated per group, in order.
func NewCoincidences(t engine.TaggerBase, groups [][]tags.ChannelID, window tags.Timestamp, policy TimestampPolicy) (*Coincidences, error) {
	if window < 0 {
		panic("vchan: coincidence window must be non-negative")
	}
	c := &Coincidences{
		byChannel: make(map[tags.ChannelID][]*coincidenceGroup),
		policy:    policy,
		window:    window,
	}

	c.Base = engine.NewBase(t, c)

	registered := make(map[tags.ChannelID]bool)
	for _, chans := range groups {
		g := &coincidenceGroup{
			channels: append([]tags.ChannelID(nil), chans...),
			member:   make(map[tags.ChannelID]int, len(chans)),
			pending:  make([]tags.Timestamp, len(chans)),
			vch:      c.NewVirtualChannel(),
		}
		for i, ch := range chans {
			g.member[ch] = i
			g.pending[i] = slotUnset
			c.byChannel[ch] = append(c.byChannel[ch], g)
			if !registered[ch] {
				registered[ch] = true
				if err := c.RegisterChannel(ch); err != nil {
					return nil, err
				}
			}
		}
		c.groups = append(c.groups, g)
	}

	c.FinishInitialization()
	return c, nil
}

// NewCoincidence builds a single-group monitor, the common case.
func NewCoincidence(t engine.TaggerBase, channels []tags.ChannelID, window tags.Timestamp, policy TimestampPolicy) (*Coincidences, error) {
	return NewCoincidences(t, [][]tags.ChannelID{channels}, window, policy)
}

// GetChannels returns the virtual channels, one per group in
// construction order.
func (c *Coincidences) GetChannels() []tags.ChannelID {
	out := make([]tags.ChannelID, len(c.groups))
	for i, g := range c.groups {
		out[i] = g.vch
	}
	return out
}

// GetChannel returns the first group's virtual channel.
func (c *Coincidences) GetChannel() tags.ChannelID { return c.groups[0].vch }

// SetCoincidenceWindow changes the window for subsequent tags.
func (c *Coincidences) SetCoincidenceWindow(window tags.Timestamp) {
	if window < 0 {
		panic("vchan: coincidence window must be non-negative")
	}
	c.Lock()
	c.window = window
	c.Unlock()
}

// emitTime applies the timestamp policy for a covering triggered at t on
// member index trig.
func (c *Coincidences) emitTime(g *coincidenceGroup, trig int, t tags.Timestamp) tags.Timestamp {
	switch c.policy {
	case TimestampAverage:
		sum := t
		for i, p := range g.pending {
			if i != trig {
				sum += p
			}
		}
		return sum / tags.Timestamp(len(g.pending))
	case TimestampFirst:
		first := t
		for i, p := range g.pending {
			if i != trig && p < first {
				first = p
			}
		}
		return first
	case TimestampListedFirst:
		if trig == 0 {
			return t
		}
		return g.pending[0]
	default: // TimestampLast
		return t
	}
}

// OnBlock runs the covering test for every tag on a monitored channel
// and injects the emitted virtual tags in sorted order.
func (c *Coincidences) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming

	var out []tags.Tag
	mutated := false

	// insert places an emitted tag at its sorted position; policies
	// other than Last may emit earlier than the trigger position.
	insert := func(upTo int, emit tags.Tag) {
		if out == nil {
			out = make([]tags.Tag, 0, len(tt)+4)
			out = append(out, tt[:upTo]...)
		}
		pos := sort.Search(len(out), func(i int) bool { return out[i].Time > emit.Time })
		out = append(out, tags.Tag{})
		copy(out[pos+1:], out[pos:])
		out[pos] = emit
		mutated = true
	}

	for i := range tt {
		if out != nil {
			out = append(out, tt[i])
		}
		tg := &tt[i]

		switch tg.Kind {
		case tags.OverflowBegin:
			// No covering may span unreliable timings.
			for _, g := range c.groups {
				g.reset()
			}
			continue
		case tags.TimeTag:
		default:
			continue
		}

		groups, ok := c.byChannel[tg.Channel]
		if !ok {
			continue
		}
		t := tg.Time
		for _, g := range groups {
			trig := g.member[tg.Channel]

			// Step 1: stale eviction discards the attempt.
			stale := false
			for j, p := range g.pending {
				if j != trig && p != slotUnset && p < t-c.window {
					g.pending[j] = slotUnset
					stale = true
				}
			}
			if stale {
				g.pending[trig] = slotUnset
				continue
			}

			// Step 2: full covering fires and consumes.
			full := true
			for j, p := range g.pending {
				if j != trig && p == slotUnset {
					full = false
					break
				}
			}
			if full && len(g.channels) > 1 {
				insert(i+1, tags.NewTag(c.emitTime(g, trig, t), g.vch))
				g.reset()
				continue
			}

			// Step 3: record the pending slot.
			g.pending[trig] = t
		}
	}

	if !mutated {
		return false
	}
	*incoming = out
	return true
}

func (g *coincidenceGroup) reset() {
	for i := range g.pending {
		g.pending[i] = slotUnset
	}
}

// ClearImpl drops all pending matching state.
func (c *Coincidences) ClearImpl() {
	for _, g := range c.groups {
		g.reset()
	}
}

// OnStart is a no-op.
func (c *Coincidences) OnStart() {}

// OnStop is a no-op.
func (c *Coincidences) OnStop() {}
