// Package notification normalizes the payload shapes providers use for
// webhook bodies into a single resource identifier plus topic.
package notification

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lunachat/luna/internal/payment/domain"
)

// Shape identifies which of the known payload layouts a body uses.
type Shape string

const (
	// ShapeFlat carries the identifier at the top level: {"id": ..., "topic": ...}.
	ShapeFlat Shape = "flat"
	// ShapeTyped nests the identifier under data: {"data": {"id": ...}, "type": ...}.
	ShapeTyped Shape = "typed"
	// ShapeResourceURL carries a resource URL whose trailing digits are
	// the identifier: {"resource": "...", "topic": ...}.
	ShapeResourceURL Shape = "resource_url"
	// ShapeUnknown means no recognized layout matched.
	ShapeUnknown Shape = "unknown"
)

type envelope struct {
	ID    json.RawMessage `json:"id"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// Detect reports which shape a body uses without extracting anything.
func Detect(payload []byte) Shape {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ShapeUnknown
	}
	switch {
	case rawString(env.ID) != "":
		return ShapeFlat
	case rawString(env.Data.ID) != "":
		return ShapeTyped
	case env.Resource != "":
		return ShapeResourceURL
	}
	return ShapeUnknown
}

// Normalize extracts the provider resource identifier and topic from a
// webhook body. Resolution order is body.id, then body.data.id, then
// the trailing digits of body.resource. A body with none of the three
// is malformed even when it parses as JSON.
func Normalize(payload []byte) (resourceID, topic string, err error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	topic = env.Topic
	if topic == "" {
		topic = env.Type
	}
	if topic == "" {
		topic = env.Action
	}

	if id := rawString(env.ID); id != "" {
		return id, topic, nil
	}
	if id := rawString(env.Data.ID); id != "" {
		return id, topic, nil
	}
	if env.Resource != "" {
		if m := trailingDigits.FindString(strings.TrimSuffix(env.Resource, "/")); m != "" {
			return m, topic, nil
		}
	}
	return "", "", domain.ErrMalformedNotification
}

// rawString renders a JSON scalar as its string form. Providers send
// identifiers both as strings and as bare numbers.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
