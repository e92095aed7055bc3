package access

import (
	"fmt"

	"network-access-backend/internal/apperr"
	"network-access-backend/internal/model"
)

// EventType names something that can happen to a device.
type EventType string

const (
	EventRegister   EventType = "register"
	EventVerify     EventType = "verify"
	EventApprove    EventType = "approve"
	EventReject     EventType = "reject"
	EventBlock      EventType = "block"
	EventUnblock    EventType = "unblock"
	EventDisconnect EventType = "disconnect"
	EventUnregister EventType = "unregister"
	EventDelete     EventType = "delete"
)

var reRegistrable = []model.RegistrationStatus{
	model.StatusUnregistered,
	model.StatusPendingVerification,
	model.StatusRestricted,
	model.StatusDisconnected,
}

// transitions lists, per event, the statuses it may be applied from. A nil
// entry means any status.
var transitions = map[EventType][]model.RegistrationStatus{
	EventRegister:   reRegistrable,
	EventApprove:    reRegistrable,
	EventVerify:     {model.StatusPendingVerification},
	EventBlock:      nil,
	EventUnblock:    {model.StatusBlocked},
	EventDisconnect: {model.StatusActive},
	EventUnregister: {model.StatusActive},
	EventDelete:     nil,
}

// allowed reports whether event may be applied to a device in status from.
func allowed(from model.RegistrationStatus, event EventType) bool {
	froms, ok := transitions[event]
	if !ok {
		return false
	}
	if froms == nil {
		return true
	}
	for _, s := range froms {
		if s == from {
			return true
		}
	}
	return false
}

func checkTransition(d *model.Device, event EventType) error {
	if !allowed(d.RegistrationStatus, event) {
		return fmt.Errorf("%w: cannot %s device %s in status %s",
			apperr.ErrIllegalTransition, event, d.MACAddress, d.RegistrationStatus)
	}
	return nil
}
