// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// StorageKind selects where the Session Engine persists its snapshot.
type StorageKind string

const (
	StorageLocal   StorageKind = "local"
	StorageSession StorageKind = "session"
)

// ConnectOn selects when the Connection Engine should dial.
type ConnectOn string

const (
	ConnectOnMount   ConnectOn = "mount"
	ConnectOnManual  ConnectOn = "manual"
	ConnectOnDemand  ConnectOn = "demand"
)

// Config holds every option enumerated in the wire specification. Building
// and validating a Config from user-facing input (flags, env, a web form)
// is the façade's job, not the core's — this struct only applies defaults.
type Config struct {
	SocketURL   string
	ChannelUUID string
	Host        string
	ClientID    string

	SessionToken string
	// TokenSource, if set, takes priority over SessionToken: the
	// Connection Engine calls Token() before every register send.
	TokenSource oauth2.TokenSource

	SessionID string
	ConnectOn ConnectOn
	Storage   StorageKind

	// AutoReconnect, EnableTypingIndicator and AutoClearCache default to
	// true in DefaultConfig but are ordinary bools here: start from
	// DefaultConfig() rather than a bare Config{} if a false zero value
	// would otherwise be mistaken for an explicit opt-out.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	PingInterval         time.Duration

	MessageDelay  time.Duration
	TypingDelay   time.Duration
	TypingTimeout time.Duration

	EnableTypingIndicator bool

	AutoClearCache bool
	CacheTimeout   time.Duration

	// ContactTimeout is measured in milliseconds from lastMessageSentAt
	// (the Open Question in spec.md §9 is resolved this way — see
	// SPEC_FULL.md §9).
	ContactTimeout time.Duration

	Logger *slog.Logger

	// Metrics, if set, receives the instrumentation NewAggregator would
	// otherwise discard via a no-op sink. Build one with NewMetrics, which
	// registers its collectors with the given prometheus.Registerer.
	Metrics *Metrics
}

// DefaultConfig returns a Config with every default from the wire
// specification's configuration table applied.
func DefaultConfig() Config {
	return Config{
		ConnectOn:             ConnectOnMount,
		Storage:               StorageLocal,
		AutoReconnect:         true,
		MaxReconnectAttempts:  30,
		ReconnectInterval:     3000 * time.Millisecond,
		PingInterval:          50000 * time.Millisecond,
		MessageDelay:          1000 * time.Millisecond,
		TypingDelay:           2000 * time.Millisecond,
		TypingTimeout:         50000 * time.Millisecond,
		EnableTypingIndicator: true,
		AutoClearCache:        true,
		CacheTimeout:          30 * time.Minute,
		ContactTimeout:        24 * time.Hour,
	}
}

// normalize fills each zero-valued enum, count and duration field with its
// default and sets a logger that is never nil, so every component can log
// unconditionally. Bool fields, URLs and ids are left as they are.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.ConnectOn == "" {
		c.ConnectOn = d.ConnectOn
	}
	if c.Storage == "" {
		c.Storage = d.Storage
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MessageDelay == 0 {
		c.MessageDelay = d.MessageDelay
	}
	if c.TypingDelay == 0 {
		c.TypingDelay = d.TypingDelay
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = d.TypingTimeout
	}
	if c.CacheTimeout == 0 {
		c.CacheTimeout = d.CacheTimeout
	}
	if c.ContactTimeout == 0 {
		c.ContactTimeout = d.ContactTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
