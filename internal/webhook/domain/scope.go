package domain

import (
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	"gorm.io/gorm"
)

// Scope is the unit of work for one attempt. Handlers mutate through Tx and
// queue notifications that are only sent once the attempt commits.
type Scope struct {
	Tx      *gorm.DB
	Event   *TrustedEvent
	Attempt int

	pending []notificationdomain.Notification
}

func NewScope(tx *gorm.DB, event *TrustedEvent, attempt int) *Scope {
	return &Scope{Tx: tx, Event: event, Attempt: attempt}
}

func (s *Scope) Notify(n notificationdomain.Notification) {
	if s.Event != nil && n.EventID == "" {
		n.EventID = s.Event.ID
	}
	s.pending = append(s.pending, n)
}

// Pending returns the queued notifications in order.
func (s *Scope) Pending() []notificationdomain.Notification {
	out := make([]notificationdomain.Notification, len(s.pending))
	copy(out, s.pending)
	return out
}
