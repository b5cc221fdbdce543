package server

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley/proto"
)

// fakeTransport captures frames written to a session so tests can assert on
// delivery without a network.
type fakeTransport struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	failWrites bool
	closed     bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, errors.New("write failure")
	}
	return f.buf.Write(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sentFrame struct {
	Header  *proto.Header
	Payload []byte
}

// frames decodes everything written so far.
func (f *fakeTransport) frames(t *testing.T) []sentFrame {
	t.Helper()
	f.mu.Lock()
	raw := append([]byte(nil), f.buf.Bytes()...)
	f.mu.Unlock()

	codec := &proto.Codec{}
	reader := bytes.NewReader(raw)
	var out []sentFrame
	for {
		header, err := codec.ReadHeader(reader)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		var payload []byte
		switch header.Type {
		case proto.TYPE_FILE, proto.TYPE_DELIVER_FILE:
			payload, err = proto.ReadPayload(reader, header.Filesize)
			require.NoError(t, err)
		}
		out = append(out, sentFrame{Header: header, Payload: payload})
	}
}

func (f *fakeTransport) frameCount(t *testing.T) int {
	return len(f.frames(t))
}

func newFakeSession(username string) (*Session, *fakeTransport) {
	transport := &fakeTransport{}
	return NewSession(username, "fake:0", transport, &proto.Codec{}), transport
}

func newTestStore(t *testing.T) *OfflineStore {
	t.Helper()
	store, err := OpenOfflineStore(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
