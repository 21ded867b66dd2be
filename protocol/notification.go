package protocol

import (
	"github.com/tidwall/gjson"
)

// Events reported by key notifications.
const (
	KeyUpdated = "Updated"
	KeyRemoved = "Removed"
)

// Notification is pushed by the server when a task or a key a client
// subscribed to changes. Notifications are not replies to a request and are
// framed with NotifyRequestID.
//
//	****NOTIFY {"task":..,"callback":..,"client":..,"status":..,"seq":..}\r\n
//	****NOTIFY {"key":..,"event":..,"callback":..,"client":..,"seq":..}\r\n
//
// Delivery is at least once. Clients drop notifications whose Sequence is not
// greater than the last one they saw for the same task, or key, and callback.
type Notification struct {
	TaskID     string
	CallbackID string
	ClientID   string
	Status     string
	Sequence   uint64
	Detail     string

	// Key and Event are set for key notifications instead of TaskID and
	// Status
	Key   string
	Event string
}

func EncodeNotification(n Notification) ([]byte, error) {
	p := NewPayload()

	if n.Key != "" {
		p.Set("key", n.Key).Set("event", n.Event)
	} else {
		p.Set("task", n.TaskID).Set("status", n.Status)
	}

	p.Set("callback", n.CallbackID).
		Set("client", n.ClientID).
		Set("seq", n.Sequence)

	if n.Detail != "" {
		p.Set("detail", n.Detail)
	}

	body, err := p.Build()
	if err != nil {
		return nil, err
	}

	return frame(NotifyRequestID, string(RespNotify), body), nil
}

func DecodeNotification(data []byte) Notification {
	parsed := gjson.ParseBytes(data)

	return Notification{
		TaskID:     parsed.Get("task").String(),
		CallbackID: parsed.Get("callback").String(),
		ClientID:   parsed.Get("client").String(),
		Status:     parsed.Get("status").String(),
		Sequence:   parsed.Get("seq").Uint(),
		Detail:     parsed.Get("detail").String(),
		Key:        parsed.Get("key").String(),
		Event:      parsed.Get("event").String(),
	}
}
