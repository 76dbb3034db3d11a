package sync

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_core/pkg/crdt"
)

func TestWebSocket_Sync(t *testing.T) {
	server, client := newTestEngine(t, "server"), newTestEngine(t, "client")
	mustCreate(t, server, "doc", crdt.TypeRGA)
	mustApply(t, server, "doc", crdt.OpInsert{Value: "s"})
	mustCreate(t, client, "votes", crdt.TypePNCounter)
	mustApply(t, client, "votes", crdt.OpIncrement{By: 4})

	srv := httptest.NewServer(server.WebSocketHandler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	for range 2 {
		s, err := DialWebSocket(testContext(t), url)
		require.NoError(t, err)
		res, err := client.Sync(testContext(t), s)
		require.NoError(t, err)
		assert.Equal(t, "server", string(res.Peer))
		s.Close()
	}

	requireConverged(t, "doc", server, client)
	requireConverged(t, "votes", server, client)
	assert.Equal(t, int64(4), mustSnapshot(t, server, "votes").(*crdt.PNCounter).Total())
}

func TestWebSocketStream_SplitReads(t *testing.T) {
	server, client := newTestEngine(t, "server"), newTestEngine(t, "client")
	mustCreate(t, client, "tags", crdt.TypeORSet)
	// 单条消息远大于一次 Read 的缓冲
	mustApply(t, client, "tags", crdt.OpAdd{Element: strings.Repeat("long", 64<<10)})

	srv := httptest.NewServer(server.WebSocketHandler())
	defer srv.Close()

	s, err := DialWebSocket(testContext(t), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer s.Close()
	_, err = client.Sync(testContext(t), s)
	require.NoError(t, err)

	requireConverged(t, "tags", server, client)
}

func TestDialWebSocket_BadURL(t *testing.T) {
	_, err := DialWebSocket(testContext(t), "ws://127.0.0.1:1/nothing")
	assert.Error(t, err)
}
