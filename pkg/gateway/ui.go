package gateway

// windowUI is the session.UI of one connection.
type windowUI struct {
	client      *Client
	broadcaster *EventBroadcaster
}

func (u *windowUI) ContentLoaded(path, content string) {
	_ = u.broadcaster.Send(u.client, EventContentLoaded, map[string]interface{}{
		"path":    path,
		"content": content,
	})
}

func (u *windowUI) PrepareForClose() {
	_ = u.broadcaster.Send(u.client, EventPrepareForWindowClose, map[string]interface{}{})
}

// ShowError returns the write error so the relay keeps the message queued.
func (u *windowUI) ShowError(message string) error {
	return u.broadcaster.Send(u.client, EventErrorToDisplay, map[string]interface{}{
		"message": message,
	})
}
