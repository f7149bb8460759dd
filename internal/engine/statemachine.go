package engine

import "github.com/testpool/testpoold/internal/domain"

// NextAfterSuccess returns the status/action a resource moves to once its
// current action completes successfully:
//
//	PENDING/DESTROY -> PENDING/CLONE
//	PENDING/CLONE   -> PENDING/ATTR
//	PENDING/ATTR    -> READY/NONE
//	RESERVED/*      -> PENDING/DESTROY  (explicit release or ttl timeout)
//
// READY resources carry no action (action is NONE at rest) and are moved
// by the store's AcquireReady or by Adapt's shrink branch, not by this
// table.
func NextAfterSuccess(status domain.Status, action domain.Action) (domain.Status, domain.Action) {
	switch status {
	case domain.StatusPending:
		switch action {
		case domain.ActionDestroy:
			return domain.StatusPending, domain.ActionClone
		case domain.ActionClone:
			return domain.StatusPending, domain.ActionAttr
		case domain.ActionAttr:
			return domain.StatusReady, domain.ActionNone
		}
	case domain.StatusReserved:
		return domain.StatusPending, domain.ActionDestroy
	}
	return status, action
}
