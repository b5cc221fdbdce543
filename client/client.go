// Package client is the front-end surface of the chat service: one
// persistent connection with send/receive over the framing protocol. It
// never touches server internals.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/parley-im/parley/proto"
)

var ErrAuthRejected = errors.New("authentication rejected")

// Client is one persistent connection. Receive is meant to be driven from a
// single goroutine (the listener); Send is safe to call concurrently with it.
type Client struct {
	conn      net.Conn
	codec     *proto.Codec
	writeLock sync.Mutex
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, codec: &proto.Codec{}}, nil
}

// Auth performs the first-frame handshake. The server replies info:auth_ok
// or an error frame naming the reason.
func (c *Client) Auth(username string) error {
	if err := c.Send(proto.NewAuth(username), nil); err != nil {
		return err
	}
	reply, _, err := c.Receive()
	if err != nil {
		return err
	}
	if reply.Type == proto.TYPE_ERROR {
		return fmt.Errorf("%w: %v", ErrAuthRejected, reply.Message)
	}
	if reply.Type != proto.TYPE_INFO {
		return fmt.Errorf("%w: unexpected reply type %v", ErrAuthRejected, reply.Type)
	}
	return nil
}

// Send writes one frame: header, then the payload bytes if any.
func (c *Client) Send(h *proto.Header, payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.codec.WriteFrame(c.conn, h, payload)
}

// Receive reads one frame. For file-bearing headers the declared payload is
// read in full before returning, keeping the stream frame-aligned.
func (c *Client) Receive() (*proto.Header, []byte, error) {
	header, err := c.codec.ReadHeader(c.conn)
	if err != nil {
		return nil, nil, err
	}
	var payload []byte
	switch header.Type {
	case proto.TYPE_FILE, proto.TYPE_DELIVER_FILE:
		if payload, err = proto.ReadPayload(c.conn, header.Filesize); err != nil {
			return nil, nil, err
		}
	}
	return header, payload, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
