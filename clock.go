package headersync

import (
	"time"

	"github.com/dashpay/spv-headersync/internal/backoff"
)

// Clock is the time source injected into a Reader so retry pacing is
// deterministic under test. It is the same shape as internal/backoff.Clock;
// aliased here so callers configuring a Reader don't need to import an
// internal package.
type Clock = backoff.Clock

// RealClock is the production Clock.
type RealClock = backoff.RealClock
