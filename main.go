// ════════════════════════════════════════════════════════════════════════════════════════════════
// Tag Stream Runtime - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Demo Pipeline & System Orchestration
//
// Description:
//   Replays a recorded capture through the measurement runtime with a
//   representative consumer set: a counter ring, a combiner, a
//   coincidence monitor, and a sqlite archival sink.
//
// Architecture:
//   - Phase 0: Load (or synthesize) the capture segment
//   - Phase 1: Build the tagger and the measurement set
//   - Phase 2: Stream the capture, fence-synchronized
//   - Phase 3: Report results and flush the archive
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tagstream/chanreg"
	"tagstream/control"
	"tagstream/counter"
	"tagstream/debug"
	"tagstream/engine"
	"tagstream/replay"
	"tagstream/tagdump"
	"tagstream/tags"
	"tagstream/utils"
	"tagstream/vchan"
)

const (
	defaultSegmentPath = "capture.seg"
	defaultDumpPath    = "capture.db"

	synthBlocks   = 200
	synthBlockPs  = 1_000_000 // 1 us of stream time per block
	counterBinPs  = 1_000_000
	counterDepth  = 64
	coincWindowPs = 1_000
)

func main() {
	// PHASE 0: capture segment
	segPath := defaultSegmentPath
	if len(os.Args) > 1 {
		segPath = os.Args[1]
	}
	if _, err := os.Stat(segPath); err != nil {
		debug.DropMessage("INIT", "no capture at "+segPath+", synthesizing test signal")
		if err := replay.WriteSegment(segPath, 8, synthesizeCapture()); err != nil {
			panic("failed to write capture: " + err.Error())
		}
	}

	rep, err := replay.Open(segPath)
	if err != nil {
		panic("failed to open capture: " + err.Error())
	}
	debug.DropMessage("INIT", segPath+": "+utils.Itoa(rep.BlockCount())+" blocks, "+
		utils.Itoa(int(rep.Inputs()))+" inputs")

	// PHASE 1: runtime and measurement set
	tg := engine.NewTagger(rep, chanreg.SchemeOne, rep.Inputs())

	cnt, err := counter.New(tg, []tags.ChannelID{1, 2}, counterBinPs, counterDepth)
	if err != nil {
		panic(err.Error())
	}
	comb, err := vchan.NewCombiner(tg, []tags.ChannelID{1, 2})
	if err != nil {
		panic(err.Error())
	}
	combRate, err := counter.NewCountrate(tg, []tags.ChannelID{comb.GetChannel()})
	if err != nil {
		panic(err.Error())
	}
	coinc, err := vchan.NewCoincidence(tg, []tags.ChannelID{1, 2}, coincWindowPs, vchan.TimestampLast)
	if err != nil {
		panic(err.Error())
	}
	coincRate, err := counter.NewCountrate(tg, []tags.ChannelID{coinc.GetChannel()})
	if err != nil {
		panic(err.Error())
	}
	dump, err := tagdump.New(tg, defaultDumpPath, []tags.ChannelID{1, 2})
	if err != nil {
		panic(err.Error())
	}

	if addr := os.Getenv("TAGSTREAM_METRICS_ADDR"); addr != "" {
		go func() {
			debug.DropMessage("METRICS", "serving on "+addr)
			debug.DropError("METRICS", http.ListenAndServe(addr, promhttp.Handler()))
		}()
	}

	setupSignalHandling(tg, dump)

	// PHASE 2: stream the capture
	debug.DropMessage("RUN", "replaying capture")
	control.ForceHot()
	rep.Run()
	rep.Wait()
	tg.Close() // joins the dispatch loop; all fences released

	// PHASE 3: results
	totals := cnt.GetDataTotalCounts()
	debug.DropMessage("RESULT", "ch1 "+utils.U64toa(totals[0])+" counts, ch2 "+utils.U64toa(totals[1])+" counts")

	combined := comb.GetChannelCounts()
	debug.DropMessage("RESULT", "combined "+utils.I64toa(combined[0]+combined[1])+" tags")
	debug.DropMessage("RESULT", "combined rate "+utils.I64toa(combRate.GetCountsTotal()[0])+" tags total")
	debug.DropMessage("RESULT", "coincidences "+utils.I64toa(coincRate.GetCountsTotal()[0]))
	debug.DropMessage("RESULT", "overflow intervals "+utils.I64toa(rep.GetOverflows()))

	data := cnt.GetDataObject(true)
	debug.DropMessage("RESULT", "polled "+utils.Itoa(data.Size())+" bins, dropped "+
		utils.U64toa(data.DroppedBins()))

	dump.Stop()
	debug.DropMessage("RESULT", "archived "+utils.U64toa(dump.Records())+" records, session "+dump.SessionID())
	dump.Shutdown()

	control.ShutdownWG.Wait()
	debug.DropMessage("DONE", "capture replayed")
}

// synthesizeCapture builds a deterministic two-channel test signal with
// occasional near-coincident pairs, the software analogue of the
// built-in test signal generator.
func synthesizeCapture() []tags.Block {
	blocks := make([]tags.Block, 0, synthBlocks)
	var now tags.Timestamp

	for b := 0; b < synthBlocks; b++ {
		end := now + synthBlockPs
		var tt []tags.Tag

		// Channel 1 ticks every 100 ns; channel 2 trails by a varying
		// offset that lands inside the coincidence window every 10th
		// pair.
		for t := now; t < end; t += 100_000 {
			tt = append(tt, tags.NewTag(t, 1))
			offset := tags.Timestamp(500 + (t/100_000)%10*900)
			if peer := t + offset; peer < end {
				tt = append(tt, tags.NewTag(peer, 2))
			}
		}
		blocks = append(blocks, tags.Block{Tags: tt, Begin: now, End: end})
		now = end
	}
	return blocks
}

// setupSignalHandling tears the stream down on interrupt so the archive
// flushes cleanly.
func setupSignalHandling(tg *engine.Tagger, dump *tagdump.Dump) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		debug.DropMessage("SIGNAL", "interrupt, shutting down")
		control.Shutdown()
		tg.Close()
		dump.Stop()
		dump.Shutdown()
		control.ShutdownWG.Wait()
		os.Exit(0)
	}()
}
