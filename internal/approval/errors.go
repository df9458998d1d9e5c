package approval

import "errors"

var (
	ErrRequestNotFound            = errors.New("request not found")
	ErrAlreadyFinalized           = errors.New("request already finalized")
	ErrNotCurrentApprover         = errors.New("acting identity is not the current approver")
	ErrUnresolvedApprover         = errors.New("approver could not be resolved")
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	ErrPersistenceConflict        = errors.New("request was modified concurrently")
	ErrInvalidAction              = errors.New("invalid action: must be approve or reject")
)
