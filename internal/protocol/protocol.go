// Package protocol defines the JSON frames exchanged over the collaboration
// websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind of request a client sends
type RequestType string

const (
	// Enter a document; the payload is ignored
	RequestJoin RequestType = "join"

	// Move the session's cursor: {row, col}
	RequestCursor RequestType = "cursor"

	// Commit a cell value: CellUpdateMessage
	RequestCell RequestType = "cell"
)

// Topic is the channel an outbound frame was published on.
type Topic string

const (
	// joined / left presence events, public per document
	TopicPresence Topic = "presence"

	// cursor_move events, public per document
	TopicCursors Topic = "cursors"

	// Cell edits, public per document
	TopicCells Topic = "cells"

	// Initial room snapshot, private to one identity
	TopicUsers Topic = "users"
)

// Public reports whether frames on t are fanned out to every subscriber of
// a document (and across nodes).
func (t Topic) Public() bool {
	switch t {
	case TopicPresence, TopicCursors, TopicCells:
		return true
	}
	return false
}

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrUnknownType     = errors.New("unknown request type")
	ErrMissingDocument = errors.New("missing document id")
)

// Request is an inbound client frame.
type Request struct {
	Type     RequestType     `json:"type"`
	Document string          `json:"document"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Frame is an outbound server frame.
type Frame struct {
	Topic    Topic  `json:"topic"`
	Document string `json:"document"`
	Payload  any    `json:"payload"`
}

// ParseRequest decodes and validates an inbound frame.
func ParseRequest(data []byte) (Request, error) {
	if len(data) == 0 {
		return Request{}, ErrEmptyFrame
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}

	switch req.Type {
	case RequestJoin, RequestCursor, RequestCell:
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	req.Document = strings.TrimSpace(req.Document)
	if req.Document == "" {
		return Request{}, ErrMissingDocument
	}
	return req, nil
}

// DecodePayload unmarshals the request payload into v. An absent payload
// leaves v untouched.
func (r Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Type, err)
	}
	return nil
}

// EncodeFrame renders an outbound frame.
func EncodeFrame(topic Topic, documentID string, payload any) ([]byte, error) {
	return json.Marshal(Frame{Topic: topic, Document: documentID, Payload: payload})
}
