package clockwork

import "errors"

var (
	// ErrConstruction is returned by New for networks whose stage lists do
	// not have the layout clockwork needs. No wrapper is returned with it.
	ErrConstruction = errors.New("clockwork: incompatible network")

	// ErrCacheUnderflow is returned when an adaptor pass runs before any full
	// pass has filled the feature cache.
	ErrCacheUnderflow = errors.New("clockwork: feature cache is empty")

	// ErrHookLifecycle is returned when the capture hook fires outside the
	// full graph or a second hook would be registered.
	ErrHookLifecycle = errors.New("clockwork: capture hook lifecycle violated")

	// ErrClosed is returned by Forward after Close.
	ErrClosed = errors.New("clockwork: wrapper is closed")
)
