package agentruntime

import "errors"

// errTransient/errPermanent classify BrokerClient call failures (network
// errors, 5xx and 429 are transient; other 4xx are permanent), the same
// taxonomy the broker's own payment backend uses. The runtime loops log
// either kind and do not retry the call.
var (
	errTransient = errors.New("agentruntime: transient broker call failure")
	errPermanent = errors.New("agentruntime: permanent broker call failure")
)
