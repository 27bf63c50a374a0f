package imgcache

import (
	"errors"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/fetcher"
)

// ErrInvalidInput is the only error returned synchronously by Schedule.
var ErrInvalidInput = asset.ErrInvalidInput

var (
	// ErrPersistenceRead wraps failures to load or decode the snapshot.
	// The service starts empty when it is returned.
	ErrPersistenceRead = errors.New("persistence read failed")

	// ErrPersistenceWrite wraps failures to encode or save the snapshot.
	// The snapshot is retried at the next flush.
	ErrPersistenceWrite = errors.New("persistence write failed")
)

// FetchError is a failed preload of a single image. It is logged and
// counted, never returned.
type FetchError = fetcher.Error
