// Package cloudevent encodes run callbacks as CloudEvents 1.0 and posts them
// to HTTP receivers.
package cloudevent

import "time"

// SpecVersion is the CloudEvents version emitted by this package.
const SpecVersion = "1.0"

// CloudEvent is a structured-mode CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a JSON event stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
