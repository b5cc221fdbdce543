package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/time/rate"

	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/proto"
)

// connHandler runs the per-connection state machine:
// Unauthenticated -> Authenticated -> Closed. It interprets inbound frames
// and either mutates local state with a direct reply or enqueues a dispatch
// request; it never delivers to other users itself.
type connHandler struct {
	srv     *Server
	conn    net.Conn
	codec   *proto.Codec
	session *Session
	limiter *rate.Limiter
	log     *ilog.Logger
}

func newConnHandler(srv *Server, conn net.Conn) *connHandler {
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "connection"
	logger.Fields["remote"] = conn.RemoteAddr().String()
	h := &connHandler{
		srv:   srv,
		conn:  conn,
		codec: srv.codec,
		log:   logger,
	}
	if srv.cfg.Limits.FrameRate > 0 {
		burst := int(srv.cfg.Limits.FrameRate)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(srv.cfg.Limits.FrameRate), burst)
	}
	return h
}

func (h *connHandler) serve() {
	defer h.conn.Close()

	err := h.authenticate()
	if h.session != nil {
		defer h.teardown()
		h.srv.telemetry.ConnectionOpened()
		h.srv.announcer.Presence(h.session.Username, true)
	}
	if err != nil {
		h.log.Debugf("authentication failed: %v", err)
		return
	}

	if err = h.redeliver(); err != nil {
		h.log.Warnf("offline redelivery aborted: %v", err)
		return
	}

	h.loop()
}

func (h *connHandler) teardown() {
	h.srv.registry.Unregister(h.session)
	h.srv.telemetry.ConnectionClosed()
	h.srv.announcer.Presence(h.session.Username, false)
	h.log.Infof1("connection closed: %v", h.session.Username)
}

// authenticate consumes the first frame, which must be an auth header with a
// username. On success the session is registered and auth_ok sent.
func (h *connHandler) authenticate() error {
	header, err := h.codec.ReadHeader(h.conn)
	if err != nil {
		return NewAuthError(err)
	}
	if header.Type != proto.TYPE_AUTH || header.Username == "" {
		h.codec.WriteFrame(h.conn, proto.NewError("auth_required"), nil)
		return NewAuthError(errors.New("first frame is not auth"))
	}

	session := NewSession(header.Username, h.conn.RemoteAddr().String(), h.conn, h.codec)
	if err = h.srv.registry.Register(session); err != nil {
		h.codec.WriteFrame(h.conn, proto.NewError("username_taken"), nil)
		return NewAuthError(err)
	}
	h.session = session
	h.log.Fields["username"] = session.Username

	if err = session.Send(proto.NewInfo("auth_ok"), nil); err != nil {
		return NewAuthError(err)
	}
	h.log.Infof1("authenticated: %v", session.Username)
	return nil
}

// redeliver drains the offline store and sends every pending item before any
// new traffic. A send failure puts the remaining items back.
func (h *connHandler) redeliver() error {
	items, err := h.srv.offline.Drain(h.session.Username)
	if err != nil {
		// Items stay queued; the connection can proceed with live traffic.
		h.log.Errorf("offline drain failure: %v", err)
		return nil
	}
	for i, item := range items {
		if err = h.session.Send(item.Header, item.Payload); err != nil {
			if rerr := h.srv.offline.Requeue(h.session.Username, items[i:]); rerr != nil {
				h.log.Errorf("requeue of %v undelivered items failed: %v", len(items)-i, rerr)
			}
			return err
		}
	}
	if len(items) > 0 {
		h.srv.telemetry.Redelivered(len(items))
		h.log.Infof1("redelivered %v offline items to %v", len(items), h.session.Username)
	}
	return nil
}

func (h *connHandler) reply(header *proto.Header) error {
	return h.session.Send(header, nil)
}

func (h *connHandler) loop() {
	for {
		header, err := h.codec.ReadHeader(h.conn)
		if err != nil {
			if err == io.EOF {
				h.log.Debugf("peer disconnected")
			} else {
				h.log.Warnf("frame decode failure, closing: %v", err)
			}
			return
		}

		if h.limiter != nil && !h.limiter.Allow() {
			// The payload of a throttled file frame still has to come off
			// the wire or the stream loses frame alignment.
			if header.Type == proto.TYPE_FILE && header.Filesize > 0 {
				if err = proto.DiscardPayload(h.conn, header.Filesize); err != nil {
					return
				}
			}
			if h.reply(proto.NewError("rate_limited")) != nil {
				return
			}
			continue
		}

		done, err := h.handle(header)
		if err != nil {
			h.log.Warnf("closing connection: %v", err)
			return
		}
		if done {
			return
		}
	}
}

// handle processes one authenticated frame. The returned bool reports an
// orderly quit; a non-nil error means the connection is no longer usable.
func (h *connHandler) handle(header *proto.Header) (bool, error) {
	username := h.session.Username

	switch header.Type {
	case proto.TYPE_MSG:
		if err := header.Validate(); err != nil {
			return false, h.reply(proto.NewError(err.Error()))
		}
		h.srv.dispatcher.Enqueue(Request{
			Header: header,
			Origin: username,
			Target: UserTarget(header.To),
		})

	case proto.TYPE_GROUP_MSG:
		if err := header.Validate(); err != nil {
			return false, h.reply(proto.NewError(err.Error()))
		}
		if len(h.srv.directory.Members(header.Group)) == 0 {
			return false, h.reply(proto.NewError(fmt.Sprintf("unknown_group:%v", header.Group)))
		}
		h.srv.dispatcher.Enqueue(Request{
			Header: header,
			Origin: username,
			Target: GroupTarget(header.Group),
		})

	case proto.TYPE_CREATE_GROUP:
		if err := header.Validate(); err != nil {
			return false, h.reply(proto.NewError(err.Error()))
		}
		h.srv.directory.CreateOrJoin(header.Group, username)
		return false, h.reply(proto.NewInfo(fmt.Sprintf("group_created:%v", header.Group)))

	case proto.TYPE_JOIN_GROUP:
		if err := header.Validate(); err != nil {
			return false, h.reply(proto.NewError(err.Error()))
		}
		h.srv.directory.CreateOrJoin(header.Group, username)
		return false, h.reply(proto.NewInfo(fmt.Sprintf("joined:%v", header.Group)))

	case proto.TYPE_ADD_TO_GROUP:
		if err := header.Validate(); err != nil {
			return false, h.reply(proto.NewError(err.Error()))
		}
		if _, err := h.srv.directory.AddMember(header.Group, username, header.UserToAdd); err != nil {
			return false, h.reply(proto.NewError(fmt.Sprintf("not authorized to add users to group '%v'", header.Group)))
		}
		if err := h.reply(proto.NewInfo(fmt.Sprintf("user '%v' added to group '%v'", header.UserToAdd, header.Group))); err != nil {
			return false, err
		}
		h.srv.dispatcher.Enqueue(Request{
			Header: proto.NewInfo(fmt.Sprintf("you were added to group '%v' by %v", header.Group, username)),
			Origin: username,
			Target: UserTarget(header.UserToAdd),
		})

	case proto.TYPE_LIST:
		return false, h.reply(&proto.Header{
			Type:   proto.TYPE_LIST,
			Online: h.srv.registry.ListOnline(),
			Groups: h.srv.directory.Snapshot(),
		})

	case proto.TYPE_FILE:
		return h.handleFile(header)

	case proto.TYPE_QUIT:
		h.log.Infof1("%v quit", username)
		return true, nil

	default:
		return false, h.reply(proto.NewError("unknown_type"))
	}
	return false, nil
}

// handleFile reads the declared payload off the wire before anything else;
// the payload must be fully drained even when the frame is rejected, or the
// stream loses alignment.
func (h *connHandler) handleFile(header *proto.Header) (bool, error) {
	if err := header.Validate(); err != nil {
		if header.Filesize > 0 {
			if derr := proto.DiscardPayload(h.conn, header.Filesize); derr != nil {
				return false, derr
			}
		}
		return false, h.reply(proto.NewError(err.Error()))
	}

	if maxFile := h.srv.cfg.Limits.MaxFileBytes; maxFile > 0 && header.Filesize > maxFile {
		if err := proto.DiscardPayload(h.conn, header.Filesize); err != nil {
			return false, err
		}
		return false, h.reply(proto.NewError("file_too_large"))
	}

	payload, err := proto.ReadPayload(h.conn, header.Filesize)
	if err != nil {
		return false, err
	}

	if header.Target == proto.TARGET_GROUP {
		if len(h.srv.directory.Members(header.Group)) == 0 {
			return false, h.reply(proto.NewError(fmt.Sprintf("unknown_group:%v", header.Group)))
		}
		h.srv.dispatcher.Enqueue(Request{
			Header:  header,
			Payload: payload,
			Origin:  h.session.Username,
			Target:  GroupTarget(header.Group),
		})
		return false, nil
	}

	h.srv.dispatcher.Enqueue(Request{
		Header:  header,
		Payload: payload,
		Origin:  h.session.Username,
		Target:  UserTarget(header.To),
	})
	return false, nil
}
