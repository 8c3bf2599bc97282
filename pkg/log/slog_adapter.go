package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level; errors are
// written at Warn level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.LocalRole != RoleNone {
		attrs = append(attrs, slog.String("role", event.LocalRole.String()))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.UDN != "" {
		attrs = append(attrs, slog.String("udn", event.UDN))
	}
	if event.ServiceID != "" {
		attrs = append(attrs, slog.String("service_id", event.ServiceID))
	}

	level := slog.LevelDebug

	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.String("method", event.Datagram.Method),
			slog.Int("size", event.Datagram.Size),
		)
		if event.Datagram.Target != "" {
			attrs = append(attrs, slog.String("target", event.Datagram.Target))
		}
		if event.Datagram.USN != "" {
			attrs = append(attrs, slog.String("usn", event.Datagram.USN))
		}
	case event.HTTP != nil:
		if event.HTTP.Method != "" {
			attrs = append(attrs,
				slog.String("method", event.HTTP.Method),
				slog.String("path", event.HTTP.Path),
			)
		}
		if event.HTTP.Status != 0 {
			attrs = append(attrs, slog.Int("status", event.HTTP.Status))
		}
		if event.HTTP.BodySize != 0 {
			attrs = append(attrs, slog.Int("body_size", event.HTTP.BodySize))
		}
		if event.HTTP.Chunked {
			attrs = append(attrs, slog.Bool("chunked", true))
		}
	case event.Subscription != nil:
		if event.Subscription.SID != "" {
			attrs = append(attrs, slog.String("sid", event.Subscription.SID))
		}
		if event.Subscription.NewState != "" {
			attrs = append(attrs,
				slog.String("old_state", event.Subscription.OldState),
				slog.String("new_state", event.Subscription.NewState),
			)
		} else {
			attrs = append(attrs,
				slog.Uint64("seq", uint64(event.Subscription.Seq)),
				slog.Int("variables", event.Subscription.Variables),
			)
		}
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("context", event.Error.Context))
		}
		if event.Error.Code != 0 {
			attrs = append(attrs, slog.Int("code", event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), level, "upnp", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
