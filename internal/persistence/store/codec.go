package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	prefixJSON = "j1:"
	prefixZstd = "z1:"
)

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// encodeValue renders v as compact JSON, optionally zstd-compressed and
// base64-wrapped so it survives a string-only store.
func encodeValue(v any, compress bool) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if !compress {
		return prefixJSON + string(b), nil
	}
	z := zenc.EncodeAll(b, nil)
	return prefixZstd + base64.StdEncoding.EncodeToString(z), nil
}

func decodeValue(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, prefixJSON):
		return []byte(s[len(prefixJSON):]), nil
	case strings.HasPrefix(s, prefixZstd):
		z, err := base64.StdEncoding.DecodeString(s[len(prefixZstd):])
		if err != nil {
			return nil, fmt.Errorf("base64: %w", err)
		}
		b, err := zdec.DecodeAll(z, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return b, nil
	case strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{"):
		// Unversioned values from before the codec prefix.
		return []byte(s), nil
	default:
		n := min(len(s), 3)
		return nil, fmt.Errorf("unknown value prefix %q", s[:n])
	}
}
