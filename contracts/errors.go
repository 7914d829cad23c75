package contracts

import "errors"

// ErrInvalidEnvelope is returned when an envelope cannot be built or decoded
var ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
