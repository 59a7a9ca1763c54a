// Package checksum digests a replicated log so that two participants can compare what they hold.
package checksum

import (
	"encoding/binary"

	"replnet/internal/pkg/state"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ErrSequenceGap is returned when the entries are not contiguous from version 1.
var ErrSequenceGap = errors.New("entry sequence has a gap")

// Sum digests the (version, op, value) triples in order.
// Two logs have the same sum iff, with overwhelming probability, they hold the same entries.
// The entries must start at version 1 and increase by exactly one.
func Sum(entries ...state.Entry) (uint64, error) {
	d := xxhash.New()
	var buf [8]byte
	for i, e := range entries {
		if e.Version != uint64(i)+1 {
			return 0, errors.Wrapf(ErrSequenceGap, "position %d holds version %d", i, e.Version)
		}
		binary.LittleEndian.PutUint64(buf[:], e.Version)
		_, _ = d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(len(e.Op)))
		_, _ = d.Write(buf[:])
		_, _ = d.Write(e.Op)
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Value))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64(), nil
}
