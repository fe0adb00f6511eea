package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
)

// fastServer keeps heartbeat timing short enough for tests
func fastServer(accept bool) ServerOptions {
	return ServerOptions{
		Role:              "control",
		HandshakeTimeout:  time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		SendBuffer:        64,
		AcceptSamples:     accept,
	}
}

type sampleSink struct {
	mu      sync.Mutex
	samples []events.PositionSample
}

func (s *sampleSink) hook(sample events.PositionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *sampleSink) devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, sample := range s.samples {
		ids = append(ids, sample.DeviceID)
	}
	return ids
}

func startServer(t *testing.T, opts ServerOptions, hook SampleHook) (*Server, string) {
	t.Helper()
	s := NewServer(opts, hook, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, wsURL(ts)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dropPeers cuts every link without closing the server
func dropPeers(s *Server) {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}

// testClient is a raw websocket peer driven frame by frame
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// next returns the next frame of type typ, echoing heartbeats on the way
func (c *testClient) next(typ string) []byte {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		var h header
		require.NoError(c.t, json.Unmarshal(data, &h))
		if h.Type == TypeHeartBeat && typ != TypeHeartBeat {
			require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
			continue
		}
		if h.Type == typ {
			return data
		}
	}
}

// nextType returns the type of the next frame other than a heartbeat
func (c *testClient) nextType() string {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		var h header
		require.NoError(c.t, json.Unmarshal(data, &h))
		if h.Type == TypeHeartBeat {
			require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
			continue
		}
		return h.Type
	}
}

func (c *testClient) response() Response {
	c.t.Helper()
	var resp Response
	require.NoError(c.t, json.Unmarshal(c.next(TypeResponse), &resp))
	return resp
}

func (c *testClient) beginStream(params []StreamParam, zoneID int64) {
	c.t.Helper()
	c.send(NewBeginStream("begin", params, zoneID))
	resp := c.response()
	require.Equal(c.t, ResponseBeginStream, resp.Request)
	require.Equal(c.t, "begin", resp.ReqID)
	require.Empty(c.t, resp.Msg)
}

// closed reports whether the server has closed the link
func (c *testClient) closed() bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		return !(errors.As(err, &ne) && ne.Timeout())
	}
}
