package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"slices"

	"github.com/coder/websocket"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
)

type link struct {
	state ConnState
	// set by the in-memory relay only
	peer     *MemoryDriver
	peerConn ConnID
}

// linkRegistry tracks the links of one driver by id.
type linkRegistry struct {
	tag   string
	links map[ConnID]*link
}

func newLinkRegistry(tag string) *linkRegistry {
	return &linkRegistry{tag: tag, links: make(map[ConnID]*link)}
}

func (r *linkRegistry) add(id ConnID, l *link) {
	r.links[id] = l
	logger.DebugF("[%s] Link %d added (%s)", r.tag, id, l.state)
}

func (r *linkRegistry) get(id ConnID) (*link, bool) {
	l, ok := r.links[id]
	return l, ok
}

func (r *linkRegistry) remove(id ConnID) (*link, bool) {
	l, ok := r.links[id]
	if ok {
		delete(r.links, id)
		logger.DebugF("[%s] Link %d removed", r.tag, id)
	}
	return l, ok
}

func (r *linkRegistry) state(id ConnID) ConnState {
	if l, ok := r.links[id]; ok {
		return l.state
	}
	return ConnDisconnected
}

func (r *linkRegistry) ids() []ConnID {
	ids := make([]ConnID, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func isClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}

func logReadError(tag string, err error) {
	switch {
	case isClosedError(err), errors.Is(err, io.EOF):
		logger.InfoF("[%s] Relay closed the connection", tag)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", tag)
	default:
		logger.ErrorF("[%s] Error occurred while reading from relay, details: %v", tag, err)
	}
}
