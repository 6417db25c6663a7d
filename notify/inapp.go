package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/library-engine/circulation"
)

// Notification is a record under notifications/{id}, the in-app log.
type Notification struct {
	ID        string                `json:"id,omitempty"`
	Kind      Kind                  `json:"kind"`
	StudentID circulation.StudentID `json:"studentId,omitempty"`
	Recipient string                `json:"recipient,omitempty"`
	Subject   string                `json:"subject"`
	Text      string                `json:"text"`
	CreatedAt time.Time             `json:"createdAt"`
	Read      bool                  `json:"read"`
}

// InAppChannel appends messages to the notifications collection and pushes
// them to connected dashboards. Hub may be nil.
type InAppChannel struct {
	Store circulation.RecordStore
	Hub   *Hub
	Now   func() time.Time
}

func NewInAppChannel(store circulation.RecordStore, hub *Hub) *InAppChannel {
	return &InAppChannel{Store: store, Hub: hub, Now: time.Now}
}

func (c *InAppChannel) Name() string { return "in_app" }

func (c *InAppChannel) Send(ctx context.Context, msg Message) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	n := Notification{
		Kind:      msg.Kind,
		StudentID: msg.StudentID,
		Recipient: msg.To.Email,
		Subject:   msg.Subject,
		Text:      msg.Text,
		CreatedAt: now().UTC(),
	}
	id, err := c.Store.Push(ctx, circulation.CollectionNotifications, n)
	if err != nil {
		return fmt.Errorf("record in-app notification: %w", err)
	}
	n.ID = id
	if c.Hub != nil {
		c.Hub.Broadcast(n)
	}
	return nil
}
