package tele

import (
	"context"

	"github.com/teplo/navitele/log2"
)

// Tele transport contract:
// - Init fails only with invalid config, ignores network errors
// - Publish delivers within network timeout or returns false, caller decides to retry
// - hide "connection" concept from upstream API or errors
// - application may start without network available
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, teleConfig Config, willTopic string, willPayload []byte) error
	Publish(topic string, payload []byte, retained bool) bool
	Close()
}
