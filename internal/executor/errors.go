package executor

import "errors"

// Sentinel errors, grounded on the teacher's internal/gateway/manager.go
// idiom (ErrConnectionNotFound, ErrGatewayUnhealthy, ErrPoolFull).
var (
	ErrIntentDropped = errors.New("executor: intent dropped before dispatch")
	ErrCancelMiss    = errors.New("executor: cancel target not found, skipped")
	ErrNoCredentials = errors.New("executor: follower has no ready client/session")
)
