package quant

import "errors"

// ErrConfig reports an invalid backend/axis/nbits combination, mutually
// exclusive per-layer and per-head modes requested together, or a per-head
// table that does not match the observed head count. It is surfaced at cache
// construction or on the first offending append and is never retried.
var ErrConfig = errors.New("invalid cache configuration")

// ErrSequentialAccess reports a layer index touched before all lower layer
// indices have been first-touched. Layer skipping is never valid for this
// cache; callers must append in increasing layer order within each step.
var ErrSequentialAccess = errors.New("layer accessed out of order")
