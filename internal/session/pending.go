package session

// pending.go - pending permission request bookkeeping

import (
	"time"

	"github.com/stackmill/agentmux/internal/agent"
)

// pendingPermission is one unresolved tool-use permission prompt. The waiter
// channel has capacity 1 so the resolver never blocks: the run loop either
// receives the decision or abandons the request, in which case the buffered
// send is dropped with the request.
type pendingPermission struct {
	record PermissionRequest
	waiter chan agent.PermissionDecision
	timer  *time.Timer
}

func newPendingPermission(record PermissionRequest) *pendingPermission {
	return &pendingPermission{
		record: record,
		waiter: make(chan agent.PermissionDecision, 1),
	}
}

// resolve delivers the decision to the waiter. Only the first resolve wins;
// the capacity-1 channel makes later sends no-ops.
func (p *pendingPermission) resolve(decision agent.PermissionDecision) {
	select {
	case p.waiter <- decision:
	default:
	}
}
