package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/flicd/internal/button"
)

// ErrNotConnected is returned by Send when no link is up for the address.
var ErrNotConnected = errors.New("ble: not connected")

// LinkState is the physical link state reported by a Transport.
type LinkState int

const (
	// LinkUp means the link is established and frames can be exchanged.
	LinkUp LinkState = iota
	// LinkDown means an established link was lost.
	LinkDown
	// LinkFailed means the link could not be established.
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// LinkHandler receives link callbacks for one address. Calls for one address
// are never made concurrently.
type LinkHandler interface {
	LinkStateChanged(state LinkState, err error)
	FrameReceived(frame []byte)
}

// Transport carries frames between the host and buttons.
type Transport interface {
	// Connect starts a pending connection to addr. It returns immediately; the
	// outcome is reported to h. The connection attempt does not time out and
	// lasts until the link comes up, fails permanently, or Disconnect is called.
	Connect(addr string, h LinkHandler) error
	// Disconnect cancels a pending connection or drops the link. The handler
	// is not notified of a disconnect the caller requested.
	Disconnect(addr string) error
	// Send writes one frame to an established link.
	Send(addr string, frame []byte) error
	// Discover reports advertising buttons until ctx is cancelled.
	Discover(ctx context.Context, found func(button.Advertisement)) error
}
