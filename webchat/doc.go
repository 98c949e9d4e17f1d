// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package webchat implements the framework-agnostic core of a webchat
// client: connection lifecycle and reconnection, session identity and
// persistence, streaming message assembly, and a single aggregated view
// of conversation state, all driven off one event bus.
//
// A caller embeds the core by constructing an Aggregator over a Config
// and a Store, subscribing to the events it cares about on Bus, and
// calling Connect:
//
//	store := webchat.NewMemoryStore(0, nil)
//	cfg := webchat.DefaultConfig()
//	cfg.SocketURL = "wss://chat.example.com/ws"
//	cfg.ChannelUUID = "11111111-1111-1111-1111-111111111111"
//	agg := webchat.NewAggregator(cfg, store)
//	agg.Bus().Subscribe(webchat.EventStateChanged, func(payload any) {
//		p := payload.(webchat.StateChangedPayload)
//		render(p.New)
//	})
//	if err := agg.Connect(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	agg.SendText(context.Background(), "hello")
//
// By default NewAggregator instruments itself with a no-op Metrics sink.
// To collect real counters, build one with NewMetrics against a
// prometheus.Registerer and set it on Config before constructing the
// Aggregator:
//
//	cfg.Metrics = webchat.NewMetrics(prometheus.DefaultRegisterer)
//	agg := webchat.NewAggregator(cfg, store)
package webchat
