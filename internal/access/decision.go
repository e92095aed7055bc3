package access

import (
	"context"
	"time"

	"network-access-backend/internal/apperr"
)

// Event is a request-triggered event as the web layer submits it.
type Event struct {
	Type       EventType  `json:"event" binding:"required"`
	MAC        string     `json:"mac,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	Email      string     `json:"email,omitempty"`
	FirstName  string     `json:"first_name,omitempty"`
	LastName   string     `json:"last_name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Hostname   string     `json:"hostname,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Token      string     `json:"token,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	Role       string     `json:"role,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// ApplyAccessDecision routes an event to the matching transition.
func (m *Machine) ApplyAccessDecision(ctx context.Context, ev Event) (*Decision, error) {
	switch ev.Type {
	case EventRegister:
		return m.Register(ctx, Registration{
			MAC:       ev.MAC,
			IPAddress: ev.IPAddress,
			Email:     ev.Email,
			FirstName: ev.FirstName,
			LastName:  ev.LastName,
			Phone:     ev.Phone,
			Hostname:  ev.Hostname,
			UserAgent: ev.UserAgent,
		})
	case EventVerify:
		return m.Verify(ctx, ev.Token)
	case EventApprove:
		return m.Approve(ctx, Approval{
			RequestID:  ev.RequestID,
			Role:       ev.Role,
			ValidFrom:  ev.ValidFrom,
			ValidUntil: ev.ValidUntil,
			Actor:      ev.Actor,
			Notes:      ev.Notes,
		})
	case EventReject:
		req, err := m.Reject(ctx, ev.RequestID, ev.Actor, ev.Notes)
		if err != nil {
			return nil, err
		}
		return &Decision{PendingRequestID: req.ID, NetworkUpdateOK: true}, nil
	case EventBlock:
		return m.Block(ctx, ev.MAC)
	case EventUnblock:
		return m.Unblock(ctx, ev.MAC)
	case EventDisconnect:
		return m.Disconnect(ctx, ev.MAC)
	case EventUnregister:
		return m.UnregisterByToken(ctx, ev.Token)
	case EventDelete:
		return m.DeleteDevice(ctx, ev.MAC)
	default:
		return nil, apperr.Validationf("unsupported event %q", ev.Type)
	}
}
