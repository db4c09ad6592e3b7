// Package s3event decodes the SNS envelopes the relay forwards. A
// Notification envelope carries an S3 event document as a JSON string in
// its Message field.
package s3event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
)

// Envelope types sent by SNS.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const (
	createdPrefix = "ObjectCreated:"
	removedPrefix = "ObjectRemoved:"
)

// Kind is the direction of a change record.
type Kind int

const (
	// Created covers every ObjectCreated:* event (Put, Post, Copy,
	// CompleteMultipartUpload).
	Created Kind = iota

	// Removed covers every ObjectRemoved:* event.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Record is one decoded change with its key already URL-decoded.
type Record struct {
	Kind Kind
	Key  string
}

// Envelope is the SNS HTTP delivery body.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	Token        string `json:"Token,omitempty"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
}

type eventDocument struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Type returns the envelope Type without decoding the whole body.
func Type(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid JSON", apperrors.ErrMalformedMessage)
	}

	t := gjson.GetBytes(data, "Type")
	if t.Type != gjson.String {
		return "", fmt.Errorf("%w: missing Type", apperrors.ErrMalformedMessage)
	}

	return t.String(), nil
}

// Decode parses a relay message into its records in array order.
// Envelopes other than Notification carry no records. Every record is
// validated before any is returned, so a message is either applied
// whole or dropped whole.
func Decode(data []byte) ([]Record, error) {
	typ, err := Type(data)
	if err != nil {
		return nil, err
	}

	if typ != TypeNotification {
		return nil, nil
	}

	msg := gjson.GetBytes(data, "Message")
	if msg.Type != gjson.String {
		return nil, fmt.Errorf("%w: Message is not a string", apperrors.ErrMalformedMessage)
	}

	var doc eventDocument
	if err := json.Unmarshal([]byte(msg.String()), &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding Message: %w", apperrors.ErrMalformedMessage, err)
	}

	records := make([]Record, 0, len(doc.Records))
	for _, r := range doc.Records {
		var kind Kind

		switch {
		case strings.HasPrefix(r.EventName, createdPrefix):
			kind = Created
		case strings.HasPrefix(r.EventName, removedPrefix):
			kind = Removed
		default:
			return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, r.EventName)
		}

		key, err := DecodeKey(r.S3.Object.Key)
		if err != nil {
			return nil, err
		}

		records = append(records, Record{Kind: kind, Key: key})
	}

	return records, nil
}

// DecodeKey reverses S3's form encoding of object keys in event
// notifications: "+" is a space and everything else is percent-encoded.
func DecodeKey(raw string) (string, error) {
	key, err := url.PathUnescape(strings.ReplaceAll(raw, "+", " "))
	if err != nil {
		return "", fmt.Errorf("%w: decoding key %q: %w", apperrors.ErrMalformedMessage, raw, err)
	}

	if key == "" {
		return "", fmt.Errorf("%w: empty key", apperrors.ErrMalformedMessage)
	}

	return key, nil
}

// EncodeKey applies the same encoding S3 uses in notifications.
func EncodeKey(key string) string {
	return strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
}

// Encode builds a Notification envelope for records, as SNS would
// deliver it for an S3 event.
func Encode(records []Record) ([]byte, error) {
	type object struct {
		Key string `json:"key"`
	}

	type s3Entity struct {
		Object object `json:"object"`
	}

	type record struct {
		EventName string   `json:"eventName"`
		S3        s3Entity `json:"s3"`
	}

	doc := struct {
		Records []record `json:"Records"`
	}{}

	for _, r := range records {
		name := createdPrefix + "Put"
		if r.Kind == Removed {
			name = removedPrefix + "Delete"
		}

		doc.Records = append(doc.Records, record{
			EventName: name,
			S3:        s3Entity{Object: object{Key: EncodeKey(r.Key)}},
		})
	}

	msg, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}

	return json.Marshal(Envelope{Type: TypeNotification, Message: string(msg)})
}
