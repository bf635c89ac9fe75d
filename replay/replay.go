// ============================================================================
// REPLAY - FILE-BACKED BLOCK PRODUCER
// ============================================================================
//
// Streams a recorded tag capture back into the runtime as ordered
// blocks. The segment format is line-delimited JSON: one header line,
// one line per block, and a digest trailer.
//
// Format:
//   {"version":1,"inputs":8}
//   {"begin":0,"end":1000,"tags":[[0,1,500,0],[0,2,501,0]]}
//   ...
//   {"trailer":true,"digest":"<hex sha3-256 of all preceding lines>"}
//
// Each tag is [kind, channel, time_ps, missed]. Blocks must be
// time-sorted with non-decreasing boundaries; ingest validates the
// block contract and refuses unsorted captures.
//
// Integrity: the trailer digest covers every preceding byte including
// newlines. Open verifies it before any block is delivered.
//
// Channel filtering mirrors hardware semantics: only channels enabled
// through the registry reach the stream; stream markers always pass.
// Run starts delivery; construct measurements between Open and Run so
// their registrations are live from the first block.

package replay

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"tagstream/blockring"
	"tagstream/control"
	"tagstream/debug"
	"tagstream/tags"
)

var (
	// ErrBadDigest reports a trailer digest mismatch.
	ErrBadDigest = errors.New("replay: segment digest mismatch")

	// ErrBadSegment reports a malformed or unsorted segment file.
	ErrBadSegment = errors.New("replay: malformed segment")
)

// ringDepth bounds decoded blocks in flight toward the dispatcher.
const ringDepth = 64

type segHeader struct {
	Version int   `json:"version"`
	Inputs  int32 `json:"inputs"`
}

type segBlock struct {
	Begin int64      `json:"begin"`
	End   int64      `json:"end"`
	Tags  [][4]int64 `json:"tags"`
}

type segTrailer struct {
	Trailer bool   `json:"trailer"`
	Digest  string `json:"digest"`
}

// Replay implements engine.Source over one verified segment file.
type Replay struct {
	header segHeader
	blocks []tags.Block

	ring *blockring.Ring

	mu      sync.Mutex
	enabled map[tags.ChannelID]bool

	overflows atomic.Int64
	started   atomic.Bool
	done      chan struct{}
}

// Open loads and verifies a segment file. No block is delivered until
// Run.
func Open(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := splitLines(data)
	if len(lines) < 2 {
		return nil, ErrBadSegment
	}

	// Trailer covers everything before it.
	var trailer segTrailer
	last := lines[len(lines)-1]
	if err := sonnet.Unmarshal(last.text, &trailer); err != nil || !trailer.Trailer {
		return nil, ErrBadSegment
	}
	sum := sha3.Sum256(data[:last.offset])
	if hex.EncodeToString(sum[:]) != trailer.Digest {
		return nil, ErrBadDigest
	}

	r := &Replay{
		ring:    blockring.New(ringDepth),
		enabled: make(map[tags.ChannelID]bool),
		done:    make(chan struct{}),
	}
	if err := sonnet.Unmarshal(lines[0].text, &r.header); err != nil {
		return nil, ErrBadSegment
	}

	prevEnd := int64(-1 << 62)
	for _, ln := range lines[1 : len(lines)-1] {
		var sb segBlock
		if err := sonnet.Unmarshal(ln.text, &sb); err != nil {
			return nil, ErrBadSegment
		}
		blk := tags.Block{Begin: sb.Begin, End: sb.End}
		if sb.Begin < prevEnd || sb.End < sb.Begin {
			return nil, ErrBadSegment
		}
		prevEnd = sb.End
		for _, rec := range sb.Tags {
			blk.Tags = append(blk.Tags, tags.Tag{
				Kind:    tags.Kind(rec[0]),
				Channel: tags.ChannelID(rec[1]),
				Time:    rec[2],
				Missed:  uint16(rec[3]),
			})
		}
		if !blk.Sorted() {
			return nil, ErrBadSegment
		}
		r.blocks = append(r.blocks, blk)
	}

	debug.DropMessage("REPLAY", "loaded "+path)
	return r, nil
}

// Inputs returns the physical input count recorded in the header.
func (r *Replay) Inputs() int32 { return r.header.Inputs }

// BlockCount returns the number of recorded blocks.
func (r *Replay) BlockCount() int { return len(r.blocks) }

// Run starts streaming the capture. Idempotent; delivery runs on its
// own goroutine and ends the stream at the last recorded block.
func (r *Replay) Run() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		for i := range r.blocks {
			if !r.ring.Push(r.filtered(&r.blocks[i])) {
				return
			}
			control.SignalActivity()
		}
		r.ring.Close()
	}()
}

// Wait blocks until the whole capture has been handed to the stream (or
// the replay was closed early). The dispatcher may still be draining;
// follow with Tagger.Close to join it.
func (r *Replay) Wait() {
	if r.started.Load() {
		<-r.done
	}
}

// filtered applies the enabled-channel set to one recorded block.
func (r *Replay) filtered(blk *tags.Block) tags.Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := tags.Block{Begin: blk.Begin, End: blk.End}
	out.Tags = make([]tags.Tag, 0, len(blk.Tags))
	for i := range blk.Tags {
		t := &blk.Tags[i]
		switch t.Kind {
		case tags.TimeTag, tags.MissedEvents:
			if !r.enabled[t.Channel] {
				continue
			}
		case tags.OverflowBegin:
			r.overflows.Add(1)
		}
		out.Tags = append(out.Tags, *t)
	}
	return out
}

// GetOverflows returns the overflow intervals streamed so far.
func (r *Replay) GetOverflows() int64 { return r.overflows.Load() }

// ClearOverflows resets the overflow counter and returns the old value.
func (r *Replay) ClearOverflows() int64 { return r.overflows.Swap(0) }

// NextBlock implements engine.Source.
func (r *Replay) NextBlock() (tags.Block, bool) {
	return r.ring.Pop()
}

// EnableChannel implements engine.Source.
func (r *Replay) EnableChannel(ch tags.ChannelID) {
	r.mu.Lock()
	r.enabled[ch] = true
	r.mu.Unlock()
}

// DisableChannel implements engine.Source.
func (r *Replay) DisableChannel(ch tags.ChannelID) {
	r.mu.Lock()
	delete(r.enabled, ch)
	r.mu.Unlock()
}

// Close implements engine.Source; it ends the stream early.
func (r *Replay) Close() { r.ring.Close() }

// line is one newline-delimited record with its byte offset.
type line struct {
	text   []byte
	offset int
}

func splitLines(data []byte) []line {
	var out []line
	off := 0
	for off < len(data) {
		nl := bytes.IndexByte(data[off:], '\n')
		if nl < 0 {
			if t := bytes.TrimSpace(data[off:]); len(t) > 0 {
				out = append(out, line{text: t, offset: off})
			}
			break
		}
		if t := bytes.TrimSpace(data[off : off+nl]); len(t) > 0 {
			out = append(out, line{text: t, offset: off})
		}
		off += nl + 1
	}
	return out
}
