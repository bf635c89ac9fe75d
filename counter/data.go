// ============================================================================
// COUNTER DATA - IMMUTABLE POLLING SNAPSHOT
// ============================================================================
//
// Data is the return value of Counter.GetDataObject: a self-contained
// copy of up to nValues completed bins. It shares nothing mutable with
// the live counter, so it stays valid across ring rotation and outlives
// the counter itself; clients read it without holding any lock.

package counter

import (
	"math"

	"tagstream/tags"
)

// Data is one polled snapshot of completed bins.
type Data struct {
	size     int
	dropped  uint64
	overflow bool
	binwidth tags.Timestamp
	channels []tags.ChannelID
	counts   [][]int64 // [channel][bin]
	times    []tags.Timestamp
	index    []tags.Timestamp
	mask     []bool
	totals   []uint64
}

// Size returns the number of bins in the snapshot.
func (d *Data) Size() int { return d.size }

// DroppedBins returns how many completed bins were evicted by ring
// pressure before any reader could take them, cumulative since clear.
func (d *Data) DroppedBins() uint64 { return d.dropped }

// Overflow reports whether any overflow interval has been seen since
// the last clear.
func (d *Data) Overflow() bool { return d.overflow }

// GetChannels returns the configured channel list.
func (d *Data) GetChannels() []tags.ChannelID {
	return append([]tags.ChannelID(nil), d.channels...)
}

// GetData returns channels x size raw bin counts. Overflow bins carry
// whatever was counted (MissedEvents records preserve totals); consult
// GetOverflowMask or use GetFrequency for explicit invalidation.
func (d *Data) GetData() [][]int64 {
	out := make([][]int64, len(d.counts))
	for i := range out {
		out[i] = append([]int64(nil), d.counts[i]...)
	}
	return out
}

// GetFrequency returns counts normalized to timeScale picoseconds per
// bin. The default scale of one second (1e12 ps) yields Hz; a negative
// scale normalizes to the binwidth. Overflow bins are NaN.
func (d *Data) GetFrequency(timeScale tags.Timestamp) [][]float64 {
	if timeScale < 0 {
		timeScale = d.binwidth
	}
	scale := float64(timeScale) / float64(d.binwidth)

	out := make([][]float64, len(d.counts))
	for i := range out {
		out[i] = make([]float64, d.size)
		for j := 0; j < d.size; j++ {
			if d.mask[j] {
				out[i][j] = math.NaN()
			} else {
				out[i][j] = float64(d.counts[i][j]) * scale
			}
		}
	}
	return out
}

// GetDataNormalized returns the count rate per bin in Hz, NaN for
// overflow bins.
func (d *Data) GetDataNormalized() [][]float64 {
	return d.GetFrequency(1_000_000_000_000)
}

// GetDataTotalCounts returns the per-channel running totals at snapshot
// time, including the then in-progress bin.
func (d *Data) GetDataTotalCounts() []uint64 {
	return append([]uint64(nil), d.totals...)
}

// GetIndex returns each bin's start offset relative to the last clear.
func (d *Data) GetIndex() []tags.Timestamp {
	return append([]tags.Timestamp(nil), d.index...)
}

// GetTime returns each bin's absolute stream start time.
func (d *Data) GetTime() []tags.Timestamp {
	return append([]tags.Timestamp(nil), d.times...)
}

// GetOverflowMask flags the bins that overlapped an overflow interval.
func (d *Data) GetOverflowMask() []bool {
	return append([]bool(nil), d.mask...)
}
