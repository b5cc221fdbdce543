package server

import (
	"io"
	"sync"

	"github.com/parley-im/parley/proto"
)

// Transport is the write side of one client connection. net.Conn satisfies
// it; tests substitute in-memory fakes.
type Transport interface {
	io.Writer
	Close() error
}

// Session is the live binding between a username and its connection. The
// write lock keeps frames from interleaving when the dispatch worker and the
// connection handler send concurrently.
type Session struct {
	Username string
	Remote   string

	transport Transport
	codec     *proto.Codec
	writeLock sync.Mutex
}

func NewSession(username, remote string, transport Transport, codec *proto.Codec) *Session {
	if codec == nil {
		codec = &proto.Codec{}
	}
	return &Session{
		Username:  username,
		Remote:    remote,
		transport: transport,
		codec:     codec,
	}
}

// Send writes one frame to the session's transport. Header and payload go
// out back to back under the write lock so the stream stays frame-aligned.
func (s *Session) Send(h *proto.Header, payload []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.codec.WriteFrame(s.transport, h, payload)
}

func (s *Session) Close() error {
	return s.transport.Close()
}
