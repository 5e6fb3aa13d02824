package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	quictransport "github.com/zsiec/capmux/internal/transport/quic"
	srttransport "github.com/zsiec/capmux/internal/transport/srt"
	wstransport "github.com/zsiec/capmux/internal/transport/ws"
)

type publisher interface {
	Publish(ctx context.Context, src io.Reader) error
}

// newPublisher picks a transport from the target URL scheme:
// srt://host:port, quic://host:port, ws://host:port or wss://host:port.
func newPublisher(target, key, fingerprint string, log *slog.Logger) (publisher, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse publish target: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("publish target %q has no host", target)
	}
	switch u.Scheme {
	case "srt":
		return srttransport.NewPublisher(u.Host, key, log), nil
	case "quic":
		return quictransport.NewPublisher(u.Host, key, fingerprint, log), nil
	case "ws", "wss":
		return wstransport.NewPublisher(u.Scheme+"://"+u.Host, key, log), nil
	default:
		return nil, fmt.Errorf("unsupported publish scheme %q", u.Scheme)
	}
}
