package engine

import (
	"errors"

	"github.com/trackflow/trackflow/pkg/storage"
)

// ErrChannelClosed is returned by logging calls made after the run was
// closed. It is the only error the hot path can surface.
var ErrChannelClosed = errors.New("engine: run already closed")

// ErrNameCollision mirrors the storage error for callers that only
// import the engine.
var ErrNameCollision = storage.ErrNameCollision

// ErrNotInitialized is returned by the package-level convenience calls
// before Init.
var ErrNotInitialized = errors.New("engine: no active run, call Init first")
