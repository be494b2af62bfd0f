package heap

import (
	"encoding/binary"

	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
)

// Snapshot values carry a one byte compression tag ahead of the payload.
const (
	compressionNone byte = 0
	compressionLz4  byte = 1
)

var errDecompress = errors.New("heap: corrupted compressed block")

// compressValue wraps an encoded record for the snapshot store. The lz4
// payload is a uvarint of the raw length followed by the block. Records that
// do not shrink by at least an eighth are stored raw.
func compressValue(raw []byte) []byte {
	bound := lz4.CompressBlockBound(len(raw))
	dst := make([]byte, 1+binary.MaxVarintLen64+bound)
	dst[0] = compressionLz4
	sizeLen := binary.PutUvarint(dst[1:], uint64(len(raw)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(raw, dst[1+sizeLen:], ht[:])
	if err != nil || n == 0 || !goodCompressionRatio(sizeLen+n, len(raw)) {
		out := make([]byte, 1+len(raw))
		out[0] = compressionNone
		copy(out[1:], raw)
		return out
	}
	return dst[:1+sizeLen+n]
}

func goodCompressionRatio(compressed, raw int) bool {
	return compressed < raw-raw/8
}

// decompressValue undoes compressValue. The raw case aliases value, so the
// caller has to copy anything it keeps.
func decompressValue(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errors.WithStack(errDecompress)
	}
	payload := value[1:]
	switch value[0] {
	case compressionNone:
		return payload, nil
	case compressionLz4:
		size, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, errors.WithStack(errDecompress)
		}
		dst := make([]byte, size)
		if _, err := lz4.UncompressBlock(payload[n:], dst); err != nil {
			return nil, errors.WithStack(err)
		}
		return dst, nil
	default:
		return nil, errors.Errorf("heap: unknown compression tag %d", value[0])
	}
}
