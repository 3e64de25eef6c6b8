package remote

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire message types for the provider-to-backend protocol.
const (
	msgSubscribe   = "subscribe_resource"
	msgUnsubscribe = "unsubscribe_resource"
	msgUpdated     = "resource_updated"
)

// message is a decoded server-to-client frame.
type message struct {
	Type         string
	ResourceType string
	ResourceID   string

	// Data is the decoded payload of a resource_updated frame.
	Data any
}

// encodeRequest builds a subscribe or unsubscribe frame.
func encodeRequest(msgType, resourceType, resourceID, requestID string) ([]byte, error) {
	frame := []byte(`{}`)
	var err error
	if frame, err = sjson.SetBytes(frame, "type", msgType); err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "resourceType", resourceType); err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "resourceId", resourceID); err != nil {
		return nil, err
	}
	if frame, err = sjson.SetBytes(frame, "requestId", requestID); err != nil {
		return nil, err
	}
	return frame, nil
}

// decodeMessage parses a server frame. Frames that are not valid JSON
// or carry no type are rejected; unknown types are passed through for
// the caller to ignore.
func decodeMessage(data []byte) (message, error) {
	if !gjson.ValidBytes(data) {
		return message{}, ErrBadFrame
	}

	parsed := gjson.ParseBytes(data)
	msgType := parsed.Get("type").String()
	if msgType == "" {
		return message{}, ErrBadFrame
	}

	m := message{
		Type:         msgType,
		ResourceType: parsed.Get("resourceType").String(),
		ResourceID:   parsed.Get("resourceId").String(),
	}
	if data := parsed.Get("data"); data.Exists() {
		m.Data = data.Value()
	}
	return m, nil
}
