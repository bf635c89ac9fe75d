// ============================================================================
// COUNTER RING - LIVE BIN COUNTS WITH ATOMIC POLLING
// ============================================================================
//
// Time trace of the count rate on one or more channels: counts are
// accumulated per binwidth picoseconds into a circular buffer of
// nValues columns per channel.
//
// Core capabilities:
//   - Constant-divisor bin advance through the fastbin variant sealed at
//     construction: a shift or reciprocal multiply where one is exact
//     over the advance span, a hardware divide otherwise
//   - Deferred overflow marking: a column completed inside an overflow
//     interval carries a sticky flag, and the successor column inherits
//     the flag while the interval stays open
//   - Exactly-once polling: GetDataObject(remove) hands each completed
//     bin to exactly one caller; bins evicted by ring pressure before a
//     read are accounted in DroppedBins
//
// Concurrency:
//   - All mutation happens under the measurement mutex on the dispatch
//     path; readers take the same mutex briefly and copy into an
//     immutable snapshot that survives buffer rotation

package counter

import (
	"math"

	"tagstream/engine"
	"tagstream/fastbin"
	"tagstream/tags"
	"tagstream/telemetry"
)

// binnerSpan bounds the stream-time gap the bin advance must divide in
// one step; a day of picoseconds covers any realistic block spacing.
const binnerSpan = uint64(86_400_000_000_000_000)

// Counter is the live measurement. Construct with New; result readout
// goes through GetData*/GetDataObject.
type Counter struct {
	*engine.Base

	channels []tags.ChannelID
	index    map[tags.ChannelID]int
	binwidth tags.Timestamp
	nValues  int
	binner   fastbin.Binner

	// All fields below are guarded by the measurement mutex.
	started   bool
	openStart tags.Timestamp // start of the in-progress bin
	clearBase tags.Timestamp // stream time of bin 0 since the last clear

	current     []int64
	currentOvfl bool
	ovflOpen    bool
	anyOvfl     bool

	hist     []int64 // column-major ring: col*len(channels)+chIdx
	histOvfl []bool
	histTime []tags.Timestamp

	completed  uint64 // completed bins since clear
	readCursor uint64 // next bin index GetDataObject(remove) hands out
	dropped    uint64 // completed bins evicted unread

	totals []uint64 // per channel, including the in-progress bin
}

// New builds a counter on the given channels. binwidth is the bin
// duration in picoseconds, nValues the ring depth per channel. The
// measurement starts immediately.
func New(t engine.TaggerBase, channels []tags.ChannelID, binwidth tags.Timestamp, nValues int) (*Counter, error) {
	if binwidth <= 0 || nValues <= 0 {
		panic("counter: binwidth and nValues must be positive")
	}

	c := &Counter{
		channels: append([]tags.ChannelID(nil), channels...),
		index:    make(map[tags.ChannelID]int, len(channels)),
		binwidth: binwidth,
		nValues:  nValues,
		binner:   fastbin.New(uint64(binwidth), binnerSpan),
		current:  make([]int64, len(channels)),
		hist:     make([]int64, nValues*len(channels)),
		histOvfl: make([]bool, nValues),
		histTime: make([]tags.Timestamp, nValues),
		totals:   make([]uint64, len(channels)),
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

// GetChannels returns the configured channel list.
func (c *Counter) GetChannels() []tags.ChannelID {
	return append([]tags.ChannelID(nil), c.channels...)
}

// ─────────────────────────────────────────────────────────────────────────
// Dispatch path
// ─────────────────────────────────────────────────────────────────────────

// OnBlock accumulates one ordered block. Runs under the measurement
// mutex; never mutates the shared tag slice.
func (c *Counter) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	if !c.started {
		c.started = true
		c.openStart = begin
		c.clearBase = begin
	}

	tt := *incoming
	for i := range tt {
		tg := &tt[i]
		switch tg.Kind {
		case tags.TimeTag:
			if idx, ok := c.index[tg.Channel]; ok {
				c.advanceTo(tg.Time)
				c.current[idx]++
				c.totals[idx]++
			}
		case tags.MissedEvents:
			// Counts survive an overflow interval even though the
			// individual timings did not.
			if idx, ok := c.index[tg.Channel]; ok {
				c.advanceTo(tg.Time)
				c.current[idx] += int64(tg.Missed)
				c.totals[idx] += uint64(tg.Missed)
			}
		case tags.OverflowBegin:
			c.advanceTo(tg.Time)
			c.ovflOpen = true
			c.currentOvfl = true
			c.anyOvfl = true
		case tags.OverflowEnd:
			c.advanceTo(tg.Time)
			c.ovflOpen = false
		}
	}

	// Bins fully covered by this block's stream time are complete.
	c.advanceTo(end)
	return false
}

// advanceTo completes every bin whose interval ends at or before t.
func (c *Counter) advanceTo(t tags.Timestamp) {
	if t <= c.openStart {
		return
	}
	steps := c.binner.Divide(uint64(t - c.openStart))
	for ; steps > 0; steps-- {
		c.completeBin()
	}
}

// completeBin rotates the in-progress column into the ring.
func (c *Counter) completeBin() {
	nch := len(c.channels)
	col := int(c.completed % uint64(c.nValues))

	copy(c.hist[col*nch:(col+1)*nch], c.current)
	for i := range c.current {
		c.current[i] = 0
	}
	c.histOvfl[col] = c.currentOvfl
	c.histTime[col] = c.openStart

	c.completed++
	c.openStart += c.binwidth
	// The fresh column inherits a still-open overflow interval.
	c.currentOvfl = c.ovflOpen

	// Ring pressure: evict the oldest unread bins.
	if c.completed-c.readCursor > uint64(c.nValues) {
		evict := c.completed - c.readCursor - uint64(c.nValues)
		c.readCursor += evict
		c.dropped += evict
		telemetry.DroppedBins.Add(float64(evict))
	}
}

// ClearImpl resets all accumulation; bin alignment restarts at the next
// delivered block.
func (c *Counter) ClearImpl() {
	c.started = false
	for i := range c.current {
		c.current[i] = 0
		c.totals[i] = 0
	}
	for i := range c.hist {
		c.hist[i] = 0
	}
	for i := range c.histOvfl {
		c.histOvfl[i] = false
		c.histTime[i] = 0
	}
	c.currentOvfl = false
	c.ovflOpen = false
	c.anyOvfl = false
	c.completed = 0
	c.readCursor = 0
	c.dropped = 0
}

// OnStart re-anchors bin alignment to the next delivered block.
func (c *Counter) OnStart() { c.started = false }

// OnStop keeps the ring readable.
func (c *Counter) OnStop() {}

// ─────────────────────────────────────────────────────────────────────────
// Result readout
// ─────────────────────────────────────────────────────────────────────────

// GetData returns channels x nValues counts of the most recent completed
// bins. With rolling set the columns run oldest to newest, zero-padded
// at the front while fewer than nValues bins have completed; otherwise
// the raw ring storage order is returned. Overflow columns read 0; use
// GetDataObject or GetDataNormalized for explicit overflow handling.
func (c *Counter) GetData(rolling bool) [][]int64 {
	c.Lock()
	defer c.Unlock()

	nch := len(c.channels)
	out := make([][]int64, nch)
	for i := range out {
		out[i] = make([]int64, c.nValues)
	}

	for j := 0; j < c.nValues; j++ {
		var bin int64
		if rolling {
			bin = int64(c.completed) - int64(c.nValues) + int64(j)
		} else {
			bin = c.storageBin(j)
		}
		if bin < 0 || bin >= int64(c.completed) {
			continue
		}
		col := int(bin % int64(c.nValues))
		if c.histOvfl[col] {
			continue
		}
		for i := 0; i < nch; i++ {
			out[i][j] = c.hist[col*nch+i]
		}
	}
	return out
}

// storageBin maps a raw column position to its global bin index, or -1
// for a column not yet written.
func (c *Counter) storageBin(col int) int64 {
	if uint64(col) < c.completed%uint64(c.nValues) ||
		c.completed >= uint64(c.nValues) {
		// Column holds the most recent bin that landed on it.
		bin := int64(c.completed) - int64(c.completed%uint64(c.nValues)) + int64(col)
		if bin >= int64(c.completed) {
			bin -= int64(c.nValues)
		}
		return bin
	}
	return -1
}

// GetDataNormalized returns the per-bin count rate in Hz, NaN for
// overflow bins.
func (c *Counter) GetDataNormalized(rolling bool) [][]float64 {
	c.Lock()
	defer c.Unlock()

	nch := len(c.channels)
	scale := 1e12 / float64(c.binwidth)
	out := make([][]float64, nch)
	for i := range out {
		out[i] = make([]float64, c.nValues)
	}

	for j := 0; j < c.nValues; j++ {
		var bin int64
		if rolling {
			bin = int64(c.completed) - int64(c.nValues) + int64(j)
		} else {
			bin = c.storageBin(j)
		}
		if bin < 0 || bin >= int64(c.completed) {
			for i := 0; i < nch; i++ {
				out[i][j] = math.NaN()
			}
			continue
		}
		col := int(bin % int64(c.nValues))
		for i := 0; i < nch; i++ {
			if c.histOvfl[col] {
				out[i][j] = math.NaN()
			} else {
				out[i][j] = float64(c.hist[col*nch+i]) * scale
			}
		}
	}
	return out
}

// GetDataTotalCounts returns the running per-channel totals since the
// last clear, including the in-progress bin.
func (c *Counter) GetDataTotalCounts() []uint64 {
	c.Lock()
	defer c.Unlock()
	return append([]uint64(nil), c.totals...)
}

// GetIndex returns the relative bin start offsets of the rolling window
// in picoseconds: 0, binwidth, 2*binwidth, ...
func (c *Counter) GetIndex() []tags.Timestamp {
	out := make([]tags.Timestamp, c.nValues)
	for i := range out {
		out[i] = tags.Timestamp(i) * c.binwidth
	}
	return out
}

// GetDataObject snapshots the completed bins not yet removed, most
// recent nValues at most. With remove set the internal cursor advances,
// so across removing calls every completed bin is returned exactly
// once; bins lost to ring pressure are visible as DroppedBins.
func (c *Counter) GetDataObject(remove bool) *Data {
	c.Lock()
	defer c.Unlock()

	nch := len(c.channels)
	n := int(c.completed - c.readCursor)

	d := &Data{
		size:     n,
		dropped:  c.dropped,
		overflow: c.anyOvfl,
		binwidth: c.binwidth,
		channels: append([]tags.ChannelID(nil), c.channels...),
		counts:   make([][]int64, nch),
		times:    make([]tags.Timestamp, n),
		index:    make([]tags.Timestamp, n),
		mask:     make([]bool, n),
		totals:   append([]uint64(nil), c.totals...),
	}
	for i := range d.counts {
		d.counts[i] = make([]int64, n)
	}

	for k := 0; k < n; k++ {
		bin := c.readCursor + uint64(k)
		col := int(bin % uint64(c.nValues))
		d.times[k] = c.histTime[col]
		d.index[k] = c.histTime[col] - c.clearBase
		d.mask[k] = c.histOvfl[col]
		for i := 0; i < nch; i++ {
			d.counts[i][k] = c.hist[col*nch+i]
		}
	}

	if remove {
		c.readCursor = c.completed
	}
	return d
}
