package rtc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/meshroom/internal/adapters/http"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func startBroker(t *testing.T) string {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &config.Config{
		Mode:           "release",
		Port:           9000,
		ReadLimit:      64 * 1024,
		PingPeriod:     54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		AllowedOrigins: []string{"*"},
	}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, orch.New(app.SimplePolicy{})))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/peer"
}

func openIdentity(t *testing.T, engine *Engine) (core.Identity, domain.ParticipantID) {
	t.Helper()
	identity, err := engine.OpenIdentity(context.Background())
	require.NoError(t, err)
	t.Cleanup(identity.Close)

	opened := make(chan domain.ParticipantID, 1)
	identity.OnOpen(func(id domain.ParticipantID) { opened <- id })
	select {
	case id := <-opened:
		return identity, id
	case <-time.After(waitFor):
		t.Fatal("identity never opened")
	}
	return nil, ""
}

func TestEngine_Call_Delivers_Media_Both_Ways(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real ICE on loopback")
	}
	req := require.New(t)
	engine := NewEngine(Config{IdentityURL: startBroker(t)})

	alice, _ := openIdentity(t, engine)
	bob, bobID := openIdentity(t, engine)

	streamA, err := engine.AcquireLocalStream(context.Background(), core.Constraints{Audio: true})
	req.NoError(err)
	defer streamA.Release()
	streamB, err := engine.AcquireLocalStream(context.Background(), core.Constraints{Audio: true})
	req.NoError(err)
	defer streamB.Release()

	inbound := make(chan core.Call, 1)
	bob.OnCall(func(c core.Call) { inbound <- c })

	// When Alice calls Bob and Bob answers
	out, err := alice.Call(bobID, streamA, map[string]string{"from": "Alice"})
	req.NoError(err)
	gotA := make(chan core.RemoteStream, 1)
	out.OnStream(func(rs core.RemoteStream) { gotA <- rs })

	var in core.Call
	select {
	case in = <-inbound:
	case <-time.After(waitFor):
		t.Fatal("no inbound call")
	}
	req.Equal("Alice", in.Metadata()["from"])
	req.Equal(out.ID(), in.ID())
	gotB := make(chan core.RemoteStream, 1)
	in.OnStream(func(rs core.RemoteStream) { gotB <- rs })
	req.NoError(in.Answer(streamB))

	// Then each side gets an audio stream and packets flow
	for _, ch := range []chan core.RemoteStream{gotA, gotB} {
		select {
		case rs := <-ch:
			req.Equal(core.KindAudio, rs.Kind())
		case <-time.After(waitFor):
			t.Fatal("no remote stream")
		}
	}
	req.Eventually(func() bool {
		packets, _ := in.(*Call).Received()
		return packets > 0
	}, waitFor, tick)

	// And hanging up closes the remote end too
	closed := make(chan struct{})
	in.OnClose(func() { close(closed) })
	out.Close()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("remote end not closed")
	}
}

func TestIdentity_Call_To_Missing_Peer_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real ICE gathering")
	}
	req := require.New(t)
	engine := NewEngine(Config{IdentityURL: startBroker(t)})
	alice, _ := openIdentity(t, engine)

	errs := make(chan error, 1)
	alice.OnError(func(err error) { errs <- err })

	stream, err := engine.AcquireLocalStream(context.Background(), core.Constraints{Audio: true})
	req.NoError(err)
	defer stream.Release()

	call, err := alice.Call("ghost", stream, nil)
	req.NoError(err)
	closed := make(chan struct{})
	call.OnClose(func() { close(closed) })

	select {
	case err := <-errs:
		req.ErrorIs(err, ErrPeerUnavailable)
	case <-time.After(waitFor):
		t.Fatal("no expire")
	}
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("call not closed")
	}
}
