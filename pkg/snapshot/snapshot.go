// Package snapshot encodes the durable form of a cache index.
//
// Wire layout:
//
//	[4]byte magic "IMGS"
//	uint64  xxhash64 of the compressed body, big endian
//	[]byte  snappy(msgpack(Snapshot))
//
// The checksum rejects torn or bit-flipped blobs before msgpack sees them.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pmkol/imgcache/pkg/asset"
)

// Version is the current snapshot schema. Blobs carrying any other
// version are treated as absent.
const Version = 2

const headerLen = 4 + 8

var magic = [4]byte{'I', 'M', 'G', 'S'}

var (
	ErrCorrupt = errors.New("snapshot corrupt")
	ErrVersion = errors.New("snapshot version mismatch")
)

type Pair struct {
	_msgpack struct{} `msgpack:",as_array"`

	Key   asset.Key
	Entry asset.Entry
}

type Snapshot struct {
	Version int         `msgpack:"version"`
	Entries []Pair      `msgpack:"entries"`
	Stats   asset.Stats `msgpack:"stats"`
	SavedAt time.Time   `msgpack:"saved_at"`
}

// Encode serialises s. s.Version is overwritten with Version.
func Encode(s *Snapshot) ([]byte, error) {
	return EncodeVersion(s, Version)
}

// EncodeVersion serialises s under an explicit schema version.
func EncodeVersion(s *Snapshot, v int) ([]byte, error) {
	s.Version = v
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot, %w", err)
	}
	body := snappy.Encode(nil, raw)

	out := make([]byte, headerLen+len(body))
	copy(out, magic[:])
	binary.BigEndian.PutUint64(out[4:headerLen], xxhash.Sum64(body))
	copy(out[headerLen:], body)
	return out, nil
}

// Decode parses b. Any structural problem yields ErrCorrupt and a
// foreign schema yields ErrVersion; the returned snapshot is nil in both cases.
func Decode(b []byte) (*Snapshot, error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	body := b[headerLen:]
	if sum := binary.BigEndian.Uint64(b[4:headerLen]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s := new(Snapshot)
	if err := msgpack.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersion, s.Version, Version)
	}
	return s, nil
}
