// ============================================================================
// GATED CHANNEL - EDGE-CONTROLLED TRANSMISSION OF AN INPUT CHANNEL
// ============================================================================
//
// Forwards input tags onto a virtual channel only while the gate is
// open. The gate is edge-sensitive, not level-sensitive: a tag on the
// open channel opens it, a tag on the close channel closes it, and the
// configured initial state (default closed) holds until the first gate
// event arrives.

package vchan

import (
	"tagstream/engine"
	"tagstream/tags"
)

// GateInitial selects the gate state before the first gate event.
type GateInitial uint8

const (
	// GateClosed starts with transmission blocked (default).
	GateClosed GateInitial = iota
	// GateOpen starts with transmission enabled.
	GateOpen
)

// GatedChannel forwards one input channel through an edge-driven gate.
type GatedChannel struct {
	*engine.Base

	input   tags.ChannelID
	openCh  tags.ChannelID
	closeCh tags.ChannelID
	initial GateInitial
	vch     tags.ChannelID

	open bool // guarded by the measurement mutex
}

// NewGatedChannel builds the transform. openCh starts transmission,
// closeCh stops it.
func NewGatedChannel(t engine.TaggerBase, input, openCh, closeCh tags.ChannelID, initial GateInitial) (*GatedChannel, error) {
	g := &GatedChannel{
		input:   input,
		openCh:  openCh,
		closeCh: closeCh,
		initial: initial,
		open:    initial == GateOpen,
	}

	g.Base = engine.NewBase(t, g)
	g.vch = g.NewVirtualChannel()
	for _, ch := range []tags.ChannelID{input, openCh, closeCh} {
		if err := g.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	g.FinishInitialization()
	return g, nil
}

// GetChannel returns the allocated virtual channel.
func (g *GatedChannel) GetChannel() tags.ChannelID { return g.vch }

// OnBlock flips the gate on gate edges and forwards input tags while
// open. Gate events and input tags are processed in stream order, so a
// tag arriving between an open and a close edge is transmitted exactly
// when the gate was open at its timestamp.
func (g *GatedChannel) OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool {
	tt := *incoming

	var out []tags.Tag // allocated lazily on first emission
	emitted := 0
	for i := range tt {
		if out != nil {
			out = append(out, tt[i])
		}
		if tt[i].Kind != tags.TimeTag {
			continue
		}
		switch tt[i].Channel {
		case g.openCh:
			g.open = true
		case g.closeCh:
			g.open = false
		}
		// An input tag coincident with its own gate edge follows the
		// state the edge just established.
		if tt[i].Channel == g.input && g.open {
			if out == nil {
				out = make([]tags.Tag, 0, len(tt)+4)
				out = append(out, tt[:i+1]...)
			}
			out = append(out, tags.NewTag(tt[i].Time, g.vch))
			emitted++
		}
	}
	if emitted == 0 {
		return false
	}
	*incoming = out
	return true
}

// ClearImpl returns the gate to its configured initial state.
func (g *GatedChannel) ClearImpl() {
	g.open = g.initial == GateOpen
}

// OnStart is a no-op; the gate state survives stop/start.
func (g *GatedChannel) OnStart() {}

// OnStop is a no-op.
func (g *GatedChannel) OnStop() {}
