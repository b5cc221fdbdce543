package server

import (
	"bytes"
	"crypto/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley/client"
	"github.com/parley-im/parley/config"
	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/proto"
)

func newIntegrationServer(t *testing.T, mutate func(cfg *config.ServerConfigure)) *Server {
	t.Helper()
	ilog.SetGlobalLogLevel(0)
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	cfg.Storage.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialRaw(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, srv *Server, username string) *client.Client {
	t.Helper()
	c := dialRaw(t, srv)
	require.NoError(t, c.Auth(username))
	return c
}

func receive(t *testing.T, c *client.Client) (*proto.Header, []byte) {
	t.Helper()
	type result struct {
		header  *proto.Header
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		header, payload, err := c.Receive()
		ch <- result{header, payload, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.header, r.payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil, nil
	}
}

func TestAuthRequiredAsFirstFrame(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	c := dialRaw(t, srv)

	require.NoError(t, c.Send(proto.NewList(), nil))
	reply, _ := receive(t, c)
	assert.Equal(t, proto.TYPE_ERROR, reply.Type)
	assert.Equal(t, "auth_required", reply.Message)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	connect(t, srv, "alice")

	second := dialRaw(t, srv)
	err := second.Auth("alice")
	require.ErrorIs(t, err, client.ErrAuthRejected)
	assert.Contains(t, err.Error(), "username_taken")
	assert.Equal(t, []string{"alice"}, srv.registry.ListOnline())
}

func TestUsernameFreedAfterDisconnect(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	first := connect(t, srv, "alice")
	require.NoError(t, first.Send(proto.NewQuit(), nil))
	require.Eventually(t, func() bool { return srv.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	connect(t, srv, "alice")
	assert.Equal(t, []string{"alice"}, srv.registry.ListOnline())
}

func TestDirectMessageBetweenOnlineUsers(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.Send(proto.NewMsg("bob", "hi bob"), nil))
	header, _ := receive(t, bob)
	assert.Equal(t, proto.TYPE_MSG, header.Type)
	assert.Equal(t, "alice", header.From)
	assert.Equal(t, "hi bob", header.Text)
}

func TestOfflineMessageRedeliveredBeforeNewTraffic(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")

	require.NoError(t, alice.Send(proto.NewMsg("bob", "hi"), nil))
	require.Eventually(t, func() bool { return srv.offline.PendingCount("bob") == 1 }, 2*time.Second, 10*time.Millisecond)

	bob := connect(t, srv, "bob")
	first, _ := receive(t, bob)
	assert.Equal(t, proto.TYPE_DELIVER_MSG, first.Type, "queued traffic comes first")
	assert.Equal(t, "alice", first.From)
	assert.Equal(t, "hi", first.Text)

	require.NoError(t, alice.Send(proto.NewMsg("bob", "second"), nil))
	second, _ := receive(t, bob)
	assert.Equal(t, proto.TYPE_MSG, second.Type)
	assert.Equal(t, "second", second.Text)

	assert.Equal(t, 0, srv.offline.PendingCount("bob"), "delivered exactly once")
}

func TestGroupAddPermissions(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.Send(proto.NewCreateGroup("team"), nil))
	reply, _ := receive(t, alice)
	assert.Equal(t, proto.TYPE_INFO, reply.Type)

	// bob is not a member, so bob may not add carol.
	require.NoError(t, bob.Send(proto.NewAddToGroup("team", "carol"), nil))
	reply, _ = receive(t, bob)
	assert.Equal(t, proto.TYPE_ERROR, reply.Type)
	assert.Equal(t, []string{"alice"}, srv.directory.Members("team"))

	// alice may, and offline carol gets the notification queued.
	require.NoError(t, alice.Send(proto.NewAddToGroup("team", "carol"), nil))
	reply, _ = receive(t, alice)
	assert.Equal(t, proto.TYPE_INFO, reply.Type)
	assert.Equal(t, []string{"alice", "carol"}, srv.directory.Members("team"))
	require.Eventually(t, func() bool { return srv.offline.PendingCount("carol") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGroupBroadcastExcludesSender(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.Send(proto.NewCreateGroup("team"), nil))
	receive(t, alice)
	require.NoError(t, bob.Send(proto.NewJoinGroup("team"), nil))
	receive(t, bob)
	// carol is a member but offline
	srv.directory.CreateOrJoin("team", "carol")

	require.NoError(t, alice.Send(proto.NewGroupMsg("team", "standup"), nil))

	header, _ := receive(t, bob)
	assert.Equal(t, proto.TYPE_GROUP_MSG, header.Type)
	assert.Equal(t, "team", header.Group)
	assert.Equal(t, "alice", header.From)
	assert.Equal(t, "standup", header.Text)

	require.Eventually(t, func() bool { return srv.offline.PendingCount("carol") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.offline.PendingCount("alice"), "sender never receives own broadcast")
}

func TestGroupMessageToUnknownGroup(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")

	require.NoError(t, alice.Send(proto.NewGroupMsg("ghosts", "hello?"), nil))
	reply, _ := receive(t, alice)
	assert.Equal(t, proto.TYPE_ERROR, reply.Type)
	assert.Contains(t, reply.Message, "unknown_group")
}

func TestFileToGroupWithOfflineMember(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.Send(proto.NewCreateGroup("team"), nil))
	receive(t, alice)
	require.NoError(t, bob.Send(proto.NewJoinGroup("team"), nil))
	receive(t, bob)
	srv.directory.CreateOrJoin("team", "carol")

	payload := make([]byte, 256<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, alice.Send(proto.NewGroupFile("team", "report.bin", int64(len(payload))), payload))

	// Online member gets the bytes immediately.
	header, body := receive(t, bob)
	assert.Equal(t, proto.TYPE_FILE, header.Type)
	assert.Equal(t, "report.bin", header.Filename)
	assert.True(t, bytes.Equal(payload, body))

	// Offline member's copy is spooled to disk.
	require.Eventually(t, func() bool { return srv.offline.PendingCount("carol") == 1 }, 2*time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(srv.offline.spoolDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Reconnect delivers byte-identical content and removes the spool file.
	carol := connect(t, srv, "carol")
	header, body = receive(t, carol)
	assert.Equal(t, proto.TYPE_DELIVER_FILE, header.Type)
	assert.Equal(t, int64(len(payload)), header.Filesize)
	assert.True(t, bytes.Equal(payload, body))

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(srv.offline.spoolDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListReply(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")
	connect(t, srv, "bob")

	require.NoError(t, alice.Send(proto.NewCreateGroup("team"), nil))
	receive(t, alice)

	require.NoError(t, alice.Send(proto.NewList(), nil))
	reply, _ := receive(t, alice)
	assert.Equal(t, proto.TYPE_LIST, reply.Type)
	assert.Equal(t, []string{"alice", "bob"}, reply.Online)
	assert.Equal(t, []string{"alice"}, reply.Groups["team"])
}

func TestUnknownTypeReply(t *testing.T) {
	srv := newIntegrationServer(t, nil)
	alice := connect(t, srv, "alice")

	require.NoError(t, alice.Send(&proto.Header{Type: "interpretive_dance"}, nil))
	reply, _ := receive(t, alice)
	assert.Equal(t, proto.TYPE_ERROR, reply.Type)
	assert.Equal(t, "unknown_type", reply.Message)
}

func TestOversizedFileRejectedButConnectionSurvives(t *testing.T) {
	srv := newIntegrationServer(t, func(cfg *config.ServerConfigure) {
		cfg.Limits.MaxFileBytes = 1024
	})
	alice := connect(t, srv, "alice")

	payload := make([]byte, 2048)
	require.NoError(t, alice.Send(proto.NewUserFile("bob", "big.bin", int64(len(payload))), payload))
	reply, _ := receive(t, alice)
	assert.Equal(t, proto.TYPE_ERROR, reply.Type)
	assert.Equal(t, "file_too_large", reply.Message)

	// The stream stayed frame-aligned.
	require.NoError(t, alice.Send(proto.NewList(), nil))
	reply, _ = receive(t, alice)
	assert.Equal(t, proto.TYPE_LIST, reply.Type)
}

func TestFrameRateLimit(t *testing.T) {
	srv := newIntegrationServer(t, func(cfg *config.ServerConfigure) {
		cfg.Limits.FrameRate = 1
	})
	alice := connect(t, srv, "alice")

	const sent = 5
	for i := 0; i < sent; i++ {
		require.NoError(t, alice.Send(proto.NewList(), nil))
	}
	listReplies, limited := 0, 0
	for i := 0; i < sent; i++ {
		reply, _ := receive(t, alice)
		switch {
		case reply.Type == proto.TYPE_LIST:
			listReplies++
		case reply.Type == proto.TYPE_ERROR && reply.Message == "rate_limited":
			limited++
		}
	}
	assert.GreaterOrEqual(t, listReplies, 1)
	assert.GreaterOrEqual(t, limited, 3)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv := newIntegrationServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	codec := &proto.Codec{}
	require.NoError(t, codec.WriteFrame(conn, proto.NewAuth("alice"), nil))
	reply, err := codec.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, proto.TYPE_INFO, reply.Type)
	require.Eventually(t, func() bool { return srv.registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A declared header length with nothing behind it is a broken frame; the
	// server must drop the connection and free the username.
	_, err = conn.Write([]byte{0x00, 0x00, 0x00, 0xff, '{'})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return srv.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
