package selector

import "errors"

// Sentinel errors returned by Select/SelectSpecific.
var (
	ErrUnknownModel         = errors.New("selector: unknown model alias")
	ErrNoAvailableBackends  = errors.New("selector: no available backends")
	ErrNotFound             = errors.New("selector: backend not found for alias")
)
