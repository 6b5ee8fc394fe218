package bus

import (
	"log/slog"

	"github.com/you/streamweave/internal/core"
)

// handlerEvents maps consumer handler names to the wire event each one
// consumes. onMembership is a retained alias; the canonical name is
// onPaypiggy.
var handlerEvents = map[string]string{
	"onChat":         core.TypeChatMessage.WireName(),
	"onGift":         core.TypeGift.WireName(),
	"onPaypiggy":     core.TypePaypiggy.WireName(),
	"onMembership":   core.TypePaypiggy.WireName(),
	"onViewerCount":  core.TypeViewerCount.WireName(),
	"onStreamStatus": core.TypeStreamStatus.WireName(),
}

// Route subscribes a named handler map to the bus. Unknown handler names
// are logged at debug and discarded. Returns a removal func covering every
// subscription it made.
func Route(b *Bus, handlers map[string]HandlerFunc) func() {
	var cancels []func()
	for name, fn := range handlers {
		if fn == nil {
			continue
		}
		event, ok := handlerEvents[name]
		if !ok {
			slog.Debug("bus: unknown handler name discarded", "handler", name)
			continue
		}
		cancels = append(cancels, b.Subscribe(event, fn))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
