package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedContentType is returned when a leased message's
// content_type cannot be decoded into a job descriptor.
var ErrUnsupportedContentType = errors.New("unsupported content_type")

// ErrDecodeFailed covers every other body-shape failure.
var ErrDecodeFailed = errors.New("message body decode failed")

// Recognized content_type hints.
const (
	ContentTypeJSON  = "json"
	ContentTypeText  = "text"
	ContentTypeBytes = "bytes"
	ContentTypeEmpty = ""
)

// DecodeBody interprets a leased message's raw body according to its
// content_type hint, returning a JSON value ready to unmarshal into a
// model.JobDescriptor.
//
// Order of rules:
//  1. A body that is already a structured JSON value (object or array) is
//     returned as-is.
//  2. A JSON string body, with content_type "json" or empty, is first
//     tried as base64-then-JSON; on failure, as JSON directly.
//  3. A JSON string body with content_type "text" is parsed as JSON
//     directly.
//  4. A JSON string body with content_type "bytes" is rejected with
//     ErrUnsupportedContentType (a structured body is already accepted by
//     rule 1, whatever its content_type).
//  5. Anything else is a decode error.
func DecodeBody(contentType string, body json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, fmt.Errorf("queue: empty message body: %w", ErrDecodeFailed)
	}

	switch trimmed[0] {
	case '{', '[':
		return trimmed, nil
	case '"':
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("queue: malformed string body: %w", ErrDecodeFailed)
		}
		return decodeStringBody(contentType, raw)
	default:
		return nil, fmt.Errorf("queue: unrecognized body shape: %w", ErrDecodeFailed)
	}
}

func decodeStringBody(contentType string, raw string) (json.RawMessage, error) {
	switch contentType {
	case ContentTypeBytes:
		return nil, fmt.Errorf("queue: %w: content_type=%q", ErrUnsupportedContentType, contentType)
	case ContentTypeText:
		if json.Valid([]byte(raw)) {
			return json.RawMessage(raw), nil
		}
		return nil, fmt.Errorf("queue: text body is not valid JSON: %w", ErrDecodeFailed)
	case ContentTypeJSON, ContentTypeEmpty:
		if decoded, ok := decodeBase64JSON(raw); ok {
			return decoded, nil
		}
		if json.Valid([]byte(raw)) {
			return json.RawMessage(raw), nil
		}
		return nil, fmt.Errorf("queue: json body could not be decoded: %w", ErrDecodeFailed)
	default:
		return nil, fmt.Errorf("queue: %w: content_type=%q", ErrUnsupportedContentType, contentType)
	}
}

func decodeBase64JSON(raw string) (json.RawMessage, bool) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	if !json.Valid(decoded) {
		return nil, false
	}
	return json.RawMessage(decoded), true
}
