package command

import (
	"fmt"
	"slices"

	"github.com/danmuck/camlink/internal/protocol"
)

// Register appends h to the table. Lookup is first-match, so registering a
// code twice shadows the later handler.
func (d *Dispatcher) Register(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if protocol.IsControl(h.Code()) {
		return fmt.Errorf("%w: 0x%02x", ErrReservedCode, h.Code())
	}
	d.handlers = append(d.handlers, h)
	return nil
}

// Unregister removes the first handler with code. The active handler cannot
// be removed.
func (d *Dispatcher) Unregister(code byte) error {
	idx := d.index(code)
	if idx < 0 {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, code)
	}
	if idx == d.active {
		return fmt.Errorf("%w: 0x%02x", ErrCommandActive, code)
	}
	d.handlers = slices.Delete(d.handlers, idx, idx+1)
	if d.active > idx {
		d.active--
	}
	return nil
}

// Codes lists registered handler codes in table order.
func (d *Dispatcher) Codes() []byte {
	out := make([]byte, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h.Code())
	}
	return out
}

func (d *Dispatcher) index(code byte) int {
	for i, h := range d.handlers {
		if h.Code() == code {
			return i
		}
	}
	return -1
}
