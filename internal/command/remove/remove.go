// Package remove deletes one stored file on the first idle tick after start.
package remove

import (
	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/rs/zerolog/log"
)

// Reply bytes emitted before the command ends.
const (
	Deleted byte = 0x01
	Failed  byte = 0xFF
)

type Handler struct {
	command.Base
	store *storage.Store
	path  string
}

func New(store *storage.Store, budget int) *Handler {
	return &Handler{
		Base:  command.NewBase(protocol.CommandDelete, budget),
		store: store,
	}
}

func (h *Handler) Start(p *packet.Packet) command.Result {
	h.path = string(p.Bytes())
	return h.Base.Start(p)
}

func (h *Handler) Idle(p *packet.Packet) command.Result {
	p.Reset()
	if err := h.store.Remove(h.path); err != nil {
		log.Info().Str("component", "remove").Str("path", h.path).Err(err).Msg("delete failed")
		_ = p.WriteByte(Failed)
		return command.Error
	}
	log.Info().Str("component", "remove").Str("path", h.path).Msg("deleted")
	_ = p.WriteByte(Deleted)
	return command.Complete
}

func (h *Handler) End(p *packet.Packet) {
	h.path = ""
	h.Base.End(p)
}
