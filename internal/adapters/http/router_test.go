package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/adapters/presence"
	"github.com/dkeye/meshroom/internal/adapters/wsclient"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		Mode:           "release",
		Port:           9000,
		ReadLimit:      64 * 1024,
		PingPeriod:     54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		AllowedOrigins: []string{"*"},
	}
}

func startServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	return startServerWith(t, testConfig())
}

func startServerWith(t *testing.T, cfg *config.Config) (*httptest.Server, *orch.Orchestrator) {
	ctx, cancel := context.WithCancel(context.Background())
	o := orch.New(app.SimplePolicy{})
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, o
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestRouter_Health(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t)

	resp, err := http.Get(srv.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
}

func TestRouter_Unknown_Room_Is_404(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t)

	var body map[string]string
	req.Equal(http.StatusNotFound, getJSON(t, srv.URL+"/rooms/nope", &body))
	req.Equal("Room not found", body["error"])
}

func TestRouter_Sockets_Enforce_Allowed_Origins(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://good.example"}
	srv, o := startServerWith(t, cfg)

	dial := func(path, origin string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		return websocket.DefaultDialer.Dial(wsURL(srv, path), header)
	}

	for _, path := range []string{"/ws", "/peer?id=evil"} {
		// When a browser from a foreign origin tries to upgrade
		conn, resp, err := dial(path, "http://evil.example")

		// Then the handshake is refused
		req.ErrorIs(err, websocket.ErrBadHandshake, path)
		req.Nil(conn)
		req.Equal(http.StatusForbidden, resp.StatusCode, path)
		resp.Body.Close()
	}
	req.False(o.Broker.IsOpen("evil"))

	// A listed origin and a client without Origin both get through
	for _, origin := range []string{"http://good.example", ""} {
		conn, _, err := dial("/ws", origin)
		req.NoError(err, origin)
		conn.Close()
	}
}

func TestRouter_Presence_Join_And_Drop(t *testing.T) {
	req := require.New(t)
	srv, o := startServer(t)
	room := domain.RoomID("r1")
	dialer := presence.NewDialer(wsURL(srv, "/ws"))

	// Given A is in the room and listening
	chA, err := dialer.Dial(context.Background())
	req.NoError(err)
	defer chA.Disconnect()
	joins := make(chan domain.JoinPayload, 4)
	leaves := make(chan domain.LeavePayload, 4)
	chA.On(domain.JoinEvent(room), func(raw json.RawMessage) {
		var p domain.JoinPayload
		_ = json.Unmarshal(raw, &p)
		joins <- p
	})
	chA.On(domain.LeaveEvent(room), func(raw json.RawMessage) {
		var p domain.LeavePayload
		_ = json.Unmarshal(raw, &p)
		leaves <- p
	})
	req.NoError(chA.Emit(core.MessageJoin, domain.JoinCommand{Room: room, ParticipantID: "A", DisplayName: "Alice"}))
	req.Eventually(func() bool {
		_, err := o.Lookup(room)
		return err == nil
	}, waitFor, 10*time.Millisecond)

	// When B joins
	chB, err := dialer.Dial(context.Background())
	req.NoError(err)
	req.NoError(chB.Emit(core.MessageJoin, domain.JoinCommand{Room: room, ParticipantID: "B", DisplayName: "Bob"}))

	// Then A hears about B
	joined := receive(t, joins)
	req.Equal(domain.ParticipantID("B"), joined.ParticipantID)
	req.Equal("Bob", joined.DisplayName)

	var snap core.RoomSnapshot
	req.Equal(http.StatusOK, getJSON(t, srv.URL+"/rooms/r1", &snap))
	req.Len(snap.Participants, 2)

	// When B's connection goes away without a leave
	chB.Disconnect()

	// Then A is told B left and the room shrinks
	left := receive(t, leaves)
	req.Equal(domain.ParticipantID("B"), left.ParticipantID)
	req.Eventually(func() bool {
		s, err := o.Lookup(room)
		return err == nil && len(s.Participants) == 1
	}, waitFor, 10*time.Millisecond)
}

func dialIdentity(t *testing.T, srv *httptest.Server, id string) (*wsclient.Conn, <-chan core.Message) {
	t.Helper()
	inbox := make(chan core.Message, 8)
	conn, err := wsclient.Dial(context.Background(), wsURL(srv, "/peer?id="+id), wsclient.Handlers{
		OnMessage: func(m core.Message) { inbox <- m },
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn, inbox
}

func TestRouter_Identity_Broker(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t)

	connA, inA := dialIdentity(t, srv, "A")
	opened := receive(t, inA)
	req.Equal(core.MessageOpen, opened.Type)
	req.Equal("A", opened.ID)

	_, inB := dialIdentity(t, srv, "B")
	req.Equal(core.MessageOpen, receive(t, inB).Type)

	// A taken id is refused
	_, inDup := dialIdentity(t, srv, "A")
	dup := receive(t, inDup)
	req.Equal(core.MessageError, dup.Type)
	req.Equal("id_taken", dup.Error)

	// Offers reach their destination stamped with the sender
	req.NoError(connA.Send(core.Message{Type: core.MessageOffer, ID: "call-1", Dst: "B", Payload: json.RawMessage(`{"sdp":{}}`)}))
	offer := receive(t, inB)
	req.Equal(core.MessageOffer, offer.Type)
	req.Equal("A", offer.Src)
	req.Equal("call-1", offer.ID)

	// And an offer to nobody expires
	req.NoError(connA.Send(core.Message{Type: core.MessageOffer, ID: "call-2", Dst: "ghost"}))
	expired := receive(t, inA)
	req.Equal(core.MessageExpire, expired.Type)
	req.Equal("ghost", expired.Src)
	req.Equal("call-2", expired.ID)
}
