package outputstore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"pkt.systems/nbsync/schema"
)

// Payload encodings stored in the encoding column.
const (
	encodingCBOR     = 0
	encodingCBORZstd = 1
)

// Payloads below this size are stored uncompressed.
const compressThreshold = 256

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

var errUnknownEncoding = errors.New("unknown payload encoding")

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("outputstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("outputstore: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("outputstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("outputstore: zstd decoder initialization failed: " + err.Error())
	}
}

// encodePayload returns the stored form of payload, its encoding and the
// uncompressed size.
func encodePayload(payload schema.OutputPayload) ([]byte, int, int, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode payload: %w", err)
	}
	if len(raw) < compressThreshold {
		return raw, encodingCBOR, len(raw), nil
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return raw, encodingCBOR, len(raw), nil
	}
	return compressed, encodingCBORZstd, len(raw), nil
}

func decodePayload(data []byte, encoding, size int) (schema.OutputPayload, error) {
	var payload schema.OutputPayload
	switch encoding {
	case encodingCBOR:
	case encodingCBORZstd:
		raw, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return payload, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(raw) != size {
			return payload, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(raw), size)
		}
		data = raw
	default:
		return payload, fmt.Errorf("%w %d", errUnknownEncoding, encoding)
	}
	if err := decMode.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
