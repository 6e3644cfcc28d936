package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/server"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
)

const frame handle.FrameID = 1

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startRenderer(t *testing.T) (*server.Server, string) {
	t.Helper()
	cfg := config.Default()
	srv := server.New(cfg, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		httpSrv.Close()
	})

	ctx := context.Background()
	require.NoError(t, srv.Engine().CreateContext(ctx, frame))
	_, err := srv.Engine().Eval(ctx, frame, `
		var greeting = 'hello';
		function spin() { while (true) {} }
	`)
	require.NoError(t, err)

	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http") + cfg.Transport.Path
}

func TestDialAndGlobal(t *testing.T) {
	_, url := startRenderer(t)
	ctx := context.Background()

	c, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer c.Close()

	global, err := c.Global(ctx, frame)
	require.NoError(t, err)
	defer global.Release()

	v, err := global.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, frame, c.Provider(frame).Frame())
	assert.Zero(t, c.Pending())
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/xray", Options{})
	assert.Error(t, err)
}

func TestTimeoutOption(t *testing.T) {
	_, url := startRenderer(t)
	ctx := context.Background()

	c, err := Dial(ctx, url, Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	global, err := c.Global(ctx, frame)
	require.NoError(t, err)
	defer global.Release()

	// The renderer interrupts spin after its own call timeout; the client
	// gives up well before that.
	start := time.Now()
	_, err = global.InvokeMember(ctx, "spin")
	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRendererShutdownEndsClient(t *testing.T) {
	srv, url := startRenderer(t)

	c, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client link survived renderer shutdown")
	}

	_, err = c.Global(context.Background(), frame)
	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.NoError(t, c.Close())
}
