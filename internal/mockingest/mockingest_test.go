package mockingest

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/client"
)

func dialConfig(t *testing.T, addr string) client.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return client.Config{Host: host, Port: port, App: "live2", StreamKey: "K-TEST"}
}

func TestServer_DrivesFullPublishDialog(t *testing.T) {
	srv, err := Start()
	require.NoError(t, err)
	defer srv.Close()

	c := client.New(dialConfig(t, srv.Addr()))
	started := make(chan struct{}, 1)
	c.OnPublishStarted = func() { started <- struct{}{} }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.ConnectBlocking(ctx))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("OnPublishStarted never fired")
	}

	require.NoError(t, c.SendFLVPayload(client.PayloadVideo, []byte{0x17, 0x00, 0, 0, 0}, 0))
	time.Sleep(50 * time.Millisecond)
	c.CloseQuiet()

	peers := srv.Peers()
	require.Len(t, peers, 1)
	msgs := peers[0].Messages()
	require.Len(t, msgs, 1)
	require.EqualValues(t, 9, msgs[0].TypeID)
}
