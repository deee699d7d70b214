// Package notify decodes Pub/Sub push envelopes carrying Gmail mailbox
// change notifications.
package notify

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pushEnvelope is the wrapper Pub/Sub push delivery posts to the endpoint.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// payload is the Gmail notification inside the envelope's data field.
// historyId arrives as a JSON number from Gmail but some relays re-encode
// it as a string, so both shapes are accepted.
type payload struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Notification is a decoded mailbox change notification.
type Notification struct {
	EmailAddress    string
	HistoryID       uint64
	PubsubMessageID string
	Subscription    string
	PublishTime     time.Time
}

// ParseEnvelope decodes a Pub/Sub push body into a Notification. Any
// structural defect is an error; the caller acknowledges and drops those.
func ParseEnvelope(body []byte) (*Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("push envelope has no message data")
	}

	data, err := decodeData(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decode message data: %w", err)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if p.EmailAddress == "" {
		return nil, fmt.Errorf("notification payload has no email address")
	}
	historyID, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		EmailAddress:    p.EmailAddress,
		HistoryID:       historyID,
		PubsubMessageID: env.Message.MessageID,
		Subscription:    env.Subscription,
	}
	if env.Message.PublishTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Message.PublishTime); err == nil {
			n.PublishTime = t
		}
	}
	return n, nil
}

// decodeData handles the base64 variants seen in push deliveries: the
// payload arrives URL-safe from Gmail but standard-alphabet from some
// relays, and Pub/Sub strips the padding either way.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return data, nil
}

func parseHistoryID(n json.Number) (uint64, error) {
	s := n.String()
	if s == "" {
		return 0, fmt.Errorf("notification payload has no history id")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid history id %q: %w", s, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("invalid history id %q", s)
	}
	return id, nil
}
