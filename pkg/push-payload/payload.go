package pushpayload

import (
	"encoding/json"
	"time"
)

// Defaults applied to missing payload fields.
const (
	DefaultTitle     = "Notification"
	DefaultBody      = "You have a new notification"
	DefaultIcon      = "/images/icons/icon-192.png"
	DefaultBadge     = "/images/icons/badge-72.png"
	DefaultTag       = "general"
	DefaultTargetURL = "/"
)

// Action is a button attached to a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a fully defaulted push notification ready for rendering.
type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon"`
	Image              string          `json:"image,omitempty"`
	Badge              string          `json:"badge"`
	Tag                string          `json:"tag"`
	Data               json.RawMessage `json:"data,omitempty"`
	Actions            []Action        `json:"actions,omitempty"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Timestamp          int64           `json:"timestamp"`
	Vibrate            []int           `json:"vibrate,omitempty"`
	// TargetURL is where a click on the notification should navigate;
	// taken from data.url when present.
	TargetURL string `json:"targetUrl"`
}

type rawPayload struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon"`
	Image              string          `json:"image"`
	Badge              string          `json:"badge"`
	Tag                string          `json:"tag"`
	Data               json.RawMessage `json:"data"`
	Actions            []Action        `json:"actions"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Timestamp          int64           `json:"timestamp"`
	Vibrate            []int           `json:"vibrate"`
}

// Parse decodes a push payload, defaulting every missing field. A payload
// that is not valid JSON yields a fully defaulted notification rather than
// an error; push handling must never fail on malformed input.
func Parse(payload []byte) Notification {
	var raw rawPayload
	if len(payload) > 0 {
		// ignore errors, missing fields get defaults below
		json.Unmarshal(payload, &raw)
	}
	n := Notification{
		Title:              raw.Title,
		Body:               raw.Body,
		Icon:               raw.Icon,
		Image:              raw.Image,
		Badge:              raw.Badge,
		Tag:                raw.Tag,
		Data:               raw.Data,
		Actions:            raw.Actions,
		RequireInteraction: raw.RequireInteraction,
		Silent:             raw.Silent,
		Timestamp:          raw.Timestamp,
		Vibrate:            raw.Vibrate,
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Body == "" {
		n.Body = DefaultBody
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultBadge
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	n.TargetURL = targetURL(raw.Data)
	return n
}

// targetURL extracts data.url if data is an object with a string url field.
func targetURL(data json.RawMessage) string {
	if len(data) > 0 {
		var d struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(data, &d); err == nil && d.URL != "" {
			return d.URL
		}
	}
	return DefaultTargetURL
}
