package indexserver

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
	"github.com/TeoSlayer/topicbus/pkg/registry"
)

func startServer(t *testing.T, opts ...func(*Server)) *Server {
	t.Helper()
	s := New(registry.New())
	for _, opt := range opts {
		opt(s)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server failed to start")
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dialClient(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestScenarioOverTheWire(t *testing.T) {
	s := startServer(t)
	a := dialClient(t, s)
	b := dialClient(t, s)

	created, err := a.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.True(t, created)
	created, err = b.Register("B", "127.0.0.1", 6001)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, a.CreateTopic("A", "x"))
	host, err := b.Subscribe("B", "x")
	require.NoError(t, err)
	require.Equal(t, protocol.PeerAddr{ID: "A", IP: "127.0.0.1", Port: 6000}, host)

	require.NoError(t, a.SendMessage("A", "x", "hello"))
	msgs, err := b.GetMessages("B", "x", -1)
	require.NoError(t, err)
	require.Equal(t, []protocol.Message{{Index: 0, Sender: "A", Content: "hello"}}, msgs)

	require.NoError(t, a.SendMessage("A", "x", "world"))
	msgs, err = b.GetMessages("B", "x", 0)
	require.NoError(t, err)
	require.Equal(t, []protocol.Message{{Index: 1, Sender: "A", Content: "world"}}, msgs)

	msgs, err = b.GetMessages("B", "x", 1)
	require.NoError(t, err)
	require.Empty(t, msgs)

	topics, err := b.SubscribedTopics("B")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, topics)
	topics, err = a.CreatedTopics("A")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, topics)

	// Host departs while B is registered: B takes over.
	require.NoError(t, a.Unregister("A"))
	host, err = b.TopicHost("B", "x")
	require.NoError(t, err)
	require.Equal(t, "B", host.ID)

	// B departs as the last peer: the topic goes with it.
	require.NoError(t, b.Unregister("B"))
	_, err = b.TopicHost("B", "x")
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRegisterTwiceLogsIn(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	resp, err := c.Send(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A", IP: "127.0.0.1", Port: 6000})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusRegistered, resp.Status)

	resp, err = c.Send(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A", IP: "127.0.0.1", Port: 6000})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusLoggedIn, resp.Status)
	require.Contains(t, resp.Message, "already registered")
}

func TestErrorResponsesKeepConnectionUsable(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	resp, err := c.Send(&protocol.Request{Action: protocol.ActionRegister})
	require.ErrorIs(t, err, protocol.ErrValidation)
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, "Missing 'action' or 'peer_id'.", resp.Message)

	_, err = c.Send(&protocol.Request{PeerID: "A"})
	require.ErrorIs(t, err, protocol.ErrValidation)

	resp, err = c.Send(&protocol.Request{Action: "fly", PeerID: "A"})
	require.ErrorIs(t, err, protocol.ErrUnknownAction)
	require.Contains(t, resp.Message, "fly")

	_, err = c.Send(&protocol.Request{Action: protocol.ActionCreateTopic, PeerID: "A"})
	require.ErrorIs(t, err, protocol.ErrValidation)

	_, err = c.Send(&protocol.Request{Action: protocol.ActionSendMessage, PeerID: "A", Topic: "x"})
	require.ErrorIs(t, err, protocol.ErrValidation)

	err = c.DeleteTopic("A", "x")
	require.ErrorIs(t, err, protocol.ErrNotFound)

	_, err = c.GetMessages("A", "x", -1)
	require.ErrorIs(t, err, protocol.ErrNotFound)

	// Same connection still serves requests.
	created, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.True(t, created)
}

func TestNonHostDeleteAndNonSubscriberRead(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	_, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	_, err = c.Register("B", "127.0.0.1", 6001)
	require.NoError(t, err)
	require.NoError(t, c.CreateTopic("A", "x"))

	require.ErrorIs(t, c.DeleteTopic("B", "x"), protocol.ErrNotHost)
	require.ErrorIs(t, c.CreateTopic("B", "x"), protocol.ErrAlreadyExists)

	// Any peer may publish, but only subscribers may read.
	require.NoError(t, c.SendMessage("B", "x", "from b"))
	_, err = c.GetMessages("B", "x", -1)
	require.ErrorIs(t, err, protocol.ErrNotSubscribed)

	// A connection may act for any peer id.
	require.NoError(t, c.DeleteTopic("A", "x"))
}

func writeRaw(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	_, err := conn.Write(append(hdr[:], body...))
	require.NoError(t, err)
}

func TestUndecodableFrameClosesOnlyThatConnection(t *testing.T) {
	s := startServer(t)
	good := dialClient(t, s)
	_, err := good.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)

	bad, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer bad.Close()
	writeRaw(t, bad, []byte("{this is not json"))

	bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "server must close the connection")

	require.NoError(t, good.CreateTopic("A", "x"))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.frameErrors))
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	s := startServer(t)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], protocol.MaxFrameSize+1)
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestLargeMessageRoundTrip(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	_, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.NoError(t, c.CreateTopic("A", "x"))
	_, err = c.Subscribe("A", "x")
	require.NoError(t, err)

	big := strings.Repeat("payload-", 16*1024)
	require.NoError(t, c.SendMessage("A", "x", big))
	msgs, err := c.GetMessages("A", "x", -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, big, msgs[0].Content)
}

func TestClientRedialsAfterDroppedConnection(t *testing.T) {
	s := startServer(t, func(s *Server) { s.SetIdleTimeout(50 * time.Millisecond) })
	c := dialClient(t, s)

	_, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	_, err = c.Register("A", "127.0.0.1", 6000)
	require.Error(t, err, "the request on the dropped connection fails and is not retried")

	created, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.False(t, created)
}

func TestCloseDisconnectsPeers(t *testing.T) {
	s := New(registry.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	<-s.Ready()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, <-served)
	require.Equal(t, 0, s.ActiveConnections())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	_, err = Dial(s.Addr().String())
	require.Error(t, err)
}

func TestDispatchMetrics(t *testing.T) {
	s := New(registry.New())
	defer s.Close()

	s.Dispatch(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A"})
	s.Dispatch(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A"})
	s.Dispatch(&protocol.Request{Action: "bogus", PeerID: "A"})

	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.requests.WithLabelValues(protocol.ActionRegister, protocol.StatusRegistered, "")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.requests.WithLabelValues(protocol.ActionRegister, protocol.StatusLoggedIn, "")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.requests.WithLabelValues("unknown", protocol.StatusError, string(protocol.CodeUnknownAction))))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.peers))
}

func TestHTTPHandler(t *testing.T) {
	s := New(registry.New())
	defer s.Close()
	mock := clock.NewMock()
	s.SetClock(mock)

	s.Dispatch(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A"})
	s.Dispatch(&protocol.Request{Action: protocol.ActionCreateTopic, PeerID: "A", Topic: "x"})
	s.Dispatch(&protocol.Request{Action: protocol.ActionSendMessage, PeerID: "A", Topic: "x", Content: "hi"})
	mock.Add(90 * time.Second)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 1, stats.Peers)
	require.Equal(t, 1, stats.Topics)
	require.Equal(t, int64(1), stats.Messages)
	require.Equal(t, int64(3), stats.TotalRequests)
	require.Equal(t, int64(90), stats.UptimeSecs)
	require.Equal(t, []string{"x"}, stats.TopicNames)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "topicbus_indexserver_requests_total")
	require.Contains(t, string(body), "topicbus_registry_topics 1")
}

func TestLongTailIsReadInFrameSizedBatches(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	_, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.NoError(t, c.CreateTopic("A", "x"))
	_, err = c.Subscribe("A", "x")
	require.NoError(t, err)

	// Three entries of 400 KiB add up to more than one frame.
	for _, fill := range []string{"a", "b", "c"} {
		require.NoError(t, c.SendMessage("A", "x", strings.Repeat(fill, 400*1024)))
	}
	conn := c.conn

	first, err := c.GetMessages("A", "x", protocol.NoneRead)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, int64(0), first[0].Index)
	require.Equal(t, int64(1), first[1].Index)

	rest, err := c.GetMessages("A", "x", first[1].Index)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(2), rest[0].Index)
	require.Equal(t, strings.Repeat("c", 400*1024), rest[0].Content)

	require.Same(t, conn, c.conn, "batched reads must not cost the connection")
}

func TestMessageTooLargeToReadBackIsRejected(t *testing.T) {
	s := New(registry.New())
	defer s.Close()

	s.Dispatch(&protocol.Request{Action: protocol.ActionRegister, PeerID: "A"})
	s.Dispatch(&protocol.Request{Action: protocol.ActionCreateTopic, PeerID: "A", Topic: "x"})

	resp := s.Dispatch(&protocol.Request{Action: protocol.ActionSendMessage, PeerID: "A", Topic: "x",
		Content: strings.Repeat("a", protocol.MaxFrameSize)})
	require.ErrorIs(t, resp.Err(), protocol.ErrValidation)
	require.Equal(t, "Message too large.", resp.Message)

	resp = s.Dispatch(&protocol.Request{Action: protocol.ActionSendMessage, PeerID: "A", Topic: "x",
		Content: strings.Repeat("a", protocol.MaxFrameSize-256)})
	require.Equal(t, protocol.StatusMessageSent, resp.Status)

	info, ok := s.Registry().Topic("x")
	require.True(t, ok)
	require.Equal(t, 1, info.Messages)
}

func TestOversizeRequestKeepsConnection(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	_, err := c.Register("A", "127.0.0.1", 6000)
	require.NoError(t, err)
	require.NoError(t, c.CreateTopic("A", "x"))
	conn := c.conn

	err = c.SendMessage("A", "x", strings.Repeat("a", protocol.MaxFrameSize+1))
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.Same(t, conn, c.conn)

	require.NoError(t, c.SendMessage("A", "x", "small"))
	require.Equal(t, int64(1), s.Stats().Messages)
}
