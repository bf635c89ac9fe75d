// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: replay_test.go — round trip, digest verification, filtering
// ─────────────────────────────────────────────────────────────────────────────

package replay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tagstream/chanreg"
	"tagstream/counter"
	"tagstream/engine"
	"tagstream/tags"
)

func writeTestSegment(t *testing.T, blocks []tags.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.seg")
	if err := WriteSegment(path, 8, blocks); err != nil {
		t.Fatal(err)
	}
	return path
}

func testBlocks() []tags.Block {
	return []tags.Block{
		{Begin: 0, End: 1_000_000},
		{Begin: 1_000_000, End: 2_000_000, Tags: []tags.Tag{
			tags.NewTag(1_100_000, 1),
			tags.NewTag(1_200_000, 2),
			tags.NewTag(1_900_000, 1),
		}},
		{Begin: 2_000_000, End: 3_000_000, Tags: []tags.Tag{
			tags.NewTag(2_500_000, 1),
		}},
		{Begin: 3_000_000, End: 4_000_000},
	}
}

func TestRoundTrip(t *testing.T) {
	path := writeTestSegment(t, testBlocks())

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Inputs() != 8 {
		t.Fatalf("inputs: want 8 got %d", r.Inputs())
	}
	if r.BlockCount() != 4 {
		t.Fatalf("blocks: want 4 got %d", r.BlockCount())
	}
}

func TestDigestMismatch(t *testing.T) {
	path := writeTestSegment(t, testBlocks())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt one payload byte.
	data[len(data)/3] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); !errors.Is(err, ErrBadDigest) && !errors.Is(err, ErrBadSegment) {
		t.Fatalf("corrupted segment: want digest/segment error got %v", err)
	}
}

func TestUnsortedSegmentRejected(t *testing.T) {
	blocks := []tags.Block{
		{Begin: 0, End: 1000, Tags: []tags.Tag{
			tags.NewTag(900, 1),
			tags.NewTag(100, 1), // out of order
		}},
	}
	path := filepath.Join(t.TempDir(), "bad.seg")
	if err := WriteSegment(path, 8, blocks); !errors.Is(err, ErrBadSegment) {
		t.Fatalf("unsorted write: want ErrBadSegment got %v", err)
	}
}

func TestReplayThroughEngine(t *testing.T) {
	path := writeTestSegment(t, testBlocks())

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	tg := engine.NewTagger(r, chanreg.SchemeOne, r.Inputs())
	c, err := counter.New(tg, []tags.ChannelID{1, 2}, 1_000_000, 8)
	if err != nil {
		t.Fatal(err)
	}

	r.Run()
	r.Wait()
	tg.Close() // waits for the dispatch loop to drain the capture

	// Block 0 carries the counter's start fence and is gated; blocks 1-3
	// deliver 3 + 1 tags.
	totals := c.GetDataTotalCounts()
	if totals[0] != 3 || totals[1] != 1 {
		t.Fatalf("replayed totals: want [3 1] got %v", totals)
	}
}

func TestChannelFiltering(t *testing.T) {
	path := writeTestSegment(t, testBlocks())

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	tg := engine.NewTagger(r, chanreg.SchemeOne, r.Inputs())
	// Only channel 2 registered: channel 1 tags never enter the stream.
	c, err := counter.New(tg, []tags.ChannelID{2}, 1_000_000, 8)
	if err != nil {
		t.Fatal(err)
	}

	r.Run()
	r.Wait()
	tg.Close()

	totals := c.GetDataTotalCounts()
	if totals[0] != 1 {
		t.Fatalf("filtered totals: want [1] got %v", totals)
	}
}
