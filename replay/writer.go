// ============================================================================
// SEGMENT WRITER - CAPTURE SERIALIZATION
// ============================================================================
//
// Serializes ordered blocks into the replay segment format, appending
// the sha3-256 digest trailer that Open verifies.

package replay

import (
	"encoding/hex"
	"os"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"tagstream/tags"
)

// WriteSegment serializes blocks into a verified segment file. Blocks
// must already honor the ordered-block contract.
func WriteSegment(path string, inputs int32, blocks []tags.Block) error {
	var buf []byte

	appendLine := func(v any) error {
		b, err := sonnet.Marshal(v)
		if err != nil {
			return err
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
		return nil
	}

	if err := appendLine(segHeader{Version: 1, Inputs: inputs}); err != nil {
		return err
	}
	for i := range blocks {
		blk := &blocks[i]
		if !blk.Sorted() {
			return ErrBadSegment
		}
		sb := segBlock{Begin: blk.Begin, End: blk.End, Tags: make([][4]int64, 0, len(blk.Tags))}
		for _, t := range blk.Tags {
			sb.Tags = append(sb.Tags, [4]int64{int64(t.Kind), int64(t.Channel), t.Time, int64(t.Missed)})
		}
		if err := appendLine(sb); err != nil {
			return err
		}
	}

	sum := sha3.Sum256(buf)
	if err := appendLine(segTrailer{Trailer: true, Digest: hex.EncodeToString(sum[:])}); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
