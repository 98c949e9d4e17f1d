// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// MessageType is the closed set of message payload kinds from spec.md §3.
type MessageType string

const (
	MessageText            MessageType = "text"
	MessageImage            MessageType = "image"
	MessageVideo            MessageType = "video"
	MessageAudio            MessageType = "audio"
	MessageFile             MessageType = "file"
	MessageLocation         MessageType = "location"
	MessageInteractive      MessageType = "interactive"
	MessageOrder            MessageType = "order"
	MessageSetCustomField   MessageType = "set_custom_field"
)

// Direction is incoming (from the remote service) or outgoing (from the
// end user).
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is a point in the monotonic status lattice from spec.md §3:
// pending -> sent -> delivered (outgoing), streaming -> delivered
// (incoming); error is terminal from any state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// statusRank orders the lattice so CanTransition can reject a backward or
// unrelated move; error is terminal and reachable from anywhere.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusStreaming: 1,
	StatusDelivered: 2,
}

// CanTransition reports whether moving a message from `from` to `to`
// respects the monotonic lattice in spec.md §3.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusError
	}
	if from == StatusError {
		return false
	}
	// streaming belongs to the incoming chain only: it can be entered only
	// from itself and left only for delivered.
	if (from == StatusStreaming) != (to == StatusStreaming) && to != StatusDelivered {
		return false
	}
	fromRank, fromOK := statusRank[from]
	toRank, toOK := statusRank[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// Media is an optional reference to non-text payload content. URL and
// MimeType are populated by the capture/encoding layer that spec.md §1
// places out of this core's scope; the core only carries the reference.
type Media struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// QuickReply is one button of a quick-reply list.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
}

// InteractiveHeader is the optional header of an interactive message.
type InteractiveHeader struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ProductItem is one entry of an interactive product list.
type ProductItem struct {
	ProductRetailerID string `json:"product_retailer_id"`
	Quantity          int    `json:"quantity,omitempty"`
}

// CTA describes a call-to-action button (interactive cta_message).
type CTA struct {
	DisplayText string `json:"display_text"`
	URL         string `json:"url"`
}

// ListSection is one section of an interactive list message.
type ListSection struct {
	Title string        `json:"title,omitempty"`
	Rows  []QuickReply  `json:"rows,omitempty"`
}

// Extensions carries the structured payloads spec.md §3 lists as optional
// on a Message: quick replies, interactive header/footer, product list,
// CTA, list sections, and arbitrary response metadata.
type Extensions struct {
	QuickReplies []QuickReply      `json:"quick_replies,omitempty"`
	Header       *InteractiveHeader `json:"header,omitempty"`
	Footer       string            `json:"footer,omitempty"`
	Products     []ProductItem     `json:"products,omitempty"`
	CTA          *CTA              `json:"cta,omitempty"`
	List         []ListSection     `json:"list,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// Message is the closed sum type described in SPEC_FULL.md §9: shared
// fields plus an Extensions payload selected by Type. Id is unique within
// a conversation log (spec.md §3's invariant); Status only ever moves
// forward along the lattice (see CanTransition).
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	Media     *Media      `json:"media,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Direction Direction   `json:"direction"`
	Status    Status      `json:"status"`

	Extensions *Extensions `json:"extensions,omitempty"`
}

// newMessageID returns a fresh message id when the caller (the remote
// service) didn't supply one, per spec.md §4.5.3.
func newMessageID() string {
	return uuid.NewString()
}

// Clone returns a deep-enough copy of m for safe mutation by a caller
// that received it from an event payload (events.go hands out values
// without re-synchronizing against the Aggregator's internal log).
func (m Message) Clone() Message {
	clone := m
	if m.Media != nil {
		mediaCopy := *m.Media
		clone.Media = &mediaCopy
	}
	if m.Extensions != nil {
		extCopy := *m.Extensions
		extCopy.QuickReplies = slices.Clone(m.Extensions.QuickReplies)
		extCopy.Products = slices.Clone(m.Extensions.Products)
		extCopy.List = slices.Clone(m.Extensions.List)
		extCopy.Metadata = maps.Clone(m.Extensions.Metadata)
		if m.Extensions.Header != nil {
			header := *m.Extensions.Header
			extCopy.Header = &header
		}
		if m.Extensions.CTA != nil {
			cta := *m.Extensions.CTA
			extCopy.CTA = &cta
		}
		clone.Extensions = &extCopy
	}
	return clone
}
