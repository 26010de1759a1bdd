package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/types"
)

// Handler is one persona's entry point for decoded messages.
type Handler interface {
	HandleMessage(m *message.Message) error
}

// Dispatcher demultiplexes routed byte strings to persona handlers.
// It is stateless apart from the registration table, which is fixed
// before the router starts delivering, so OnMessage is safe from any
// number of router threads and never takes a persona lock.
type Dispatcher struct {
	handlers map[types.Persona]Handler
	logger   zerolog.Logger
}

// New creates a dispatcher with the given persona table.
func New(handlers map[types.Persona]Handler) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		logger:   log.WithComponent("dispatch"),
	}
}

// OnMessage decodes and routes one inbound message. Malformed input is
// dropped silently (corrupt or malicious traffic is expected); messages
// for personas this vault does not run are dropped with a warning.
func (d *Dispatcher) OnMessage(data []byte) {
	m, err := message.Decode(data)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		d.logger.Debug().Err(err).Msg("dropping unparseable message")
		return
	}
	h, ok := d.handlers[m.Persona]
	if !ok {
		metrics.MessagesDropped.WithLabelValues("unroutable").Inc()
		d.logger.Warn().
			Str("persona", string(m.Persona)).
			Str("message_id", string(m.ID)).
			Msg("unroutable message")
		return
	}
	metrics.MessagesDispatched.WithLabelValues(string(m.Persona)).Inc()
	if err := h.HandleMessage(m); err != nil {
		d.logger.Debug().
			Err(err).
			Str("persona", string(m.Persona)).
			Str("message_id", string(m.ID)).
			Msg("handler rejected message")
	}
}
