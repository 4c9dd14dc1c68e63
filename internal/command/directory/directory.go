// Package directory lists a storage directory. The listing is produced on
// the first idle tick after start and completes the command.
package directory

import (
	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	command.Base
	store  *storage.Store
	levels int
	path   string
}

func New(store *storage.Store, levels, budget int) *Handler {
	return &Handler{
		Base:   command.NewBase(protocol.CommandDirectory, budget),
		store:  store,
		levels: max(levels, 1),
	}
}

func (h *Handler) Start(p *packet.Packet) command.Result {
	h.path = string(p.Bytes())
	return h.Base.Start(p)
}

func (h *Handler) Idle(p *packet.Packet) command.Result {
	p.Reset()
	entries, err := h.store.List(h.path, h.levels)
	if err != nil {
		log.Warn().Str("component", "directory").Str("path", h.path).Err(err).Msg("list")
		return command.Error
	}
	body, n := EncodeListing(entries, frame.MaxWirePayload-1)
	if n < len(entries) {
		log.Warn().
			Str("component", "directory").
			Str("path", h.path).
			Int("entries", len(entries)).
			Int("sent", n).
			Msg("listing truncated")
	}
	_, _ = p.Write(body)
	log.Info().Str("component", "directory").Str("path", h.path).Int("entries", n).Msg("listed")
	return command.Complete
}

func (h *Handler) End(p *packet.Packet) {
	h.path = ""
	h.Base.End(p)
}
