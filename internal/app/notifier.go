package app

import (
	"log"

	"atelier/api/internal/store"
)

// notifyNewMessage routes a persisted message to the other party's live
// connections. Admin replies go to the thread owner; user messages fan
// out to every connected admin. The gateway relay gets a copy of every
// event regardless.
func (s *Service) notifyNewMessage(thread store.ChatThread, sender Identity, message map[string]any) {
	envelope := map[string]any{
		"type":      "new_message",
		"thread_id": thread.ID,
		"message":   message,
	}

	if s.hub != nil {
		if sender.IsAdmin() {
			if !s.hub.SendTo(thread.UserID, envelope) {
				log.Printf("notify: thread %s owner offline, message queued in store only", thread.ID)
			}
		} else {
			s.hub.BroadcastToAdmins(envelope)
		}
	}

	if s.relay != nil {
		s.relay.Notify(envelope)
	}
}
