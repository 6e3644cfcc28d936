package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asmrobot/CefNet-sub000/internal/engine"
	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/shared/xerr"
	"github.com/asmrobot/CefNet-sub000/internal/wire"
)

const frame handle.FrameID = 1

const fixture = `
var obj = {tag: 'x'};
var arr = [10, 20, 30];
function add(a, b) { return a + b; }
function identity(v) { return v; }
function thrower() { throw new Error('boom'); }
function self() { return this; }
function slow(ms) { var s = Date.now(); while (Date.now() - s < ms) {} return {}; }
var nan = NaN, inf = Infinity, ninf = -Infinity, nzero = -0;
function describe(v) { if (v !== v) return 'NaN'; if (v === 0 && 1 / v < 0) return '-0'; return String(v); }
`

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	eng      *engine.Engine
	provider Provider
	client   *Client
	link     ipc.Link
}

func newHarness(t *testing.T, path string, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	eng := engine.New(config.Default().Engine, nil, nil)
	require.NoError(t, eng.CreateContext(ctx, frame))
	_, err := eng.Eval(ctx, frame, fixture)
	require.NoError(t, err)

	h := &harness{eng: eng}
	if path == "local" {
		h.provider = NewLocal(eng, frame, opts)
		t.Cleanup(eng.Close)
		return h
	}

	hostRouter := ipc.NewRouter(nil, nil)
	clientRouter := ipc.NewRouter(nil, nil)
	// The bound under test belongs to the calling side.
	serverOpts := opts
	serverOpts.Timeout = 0
	server := NewServer(eng, hostRouter, serverOpts)
	link, _ := ipc.Pipe(clientRouter, hostRouter)

	h.client = NewClient(link, clientRouter, opts)
	h.provider = h.client.Provider(frame)
	h.link = link
	t.Cleanup(func() {
		link.Close()
		server.Close()
		eng.Close()
	})
	return h
}

func forEachPath(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, path := range []string{"local", "remote"} {
		t.Run(path, func(t *testing.T) {
			fn(t, newHarness(t, path, Options{}))
		})
	}
}

func TestFreshContextScenario(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.provider

		h0, err := p.GetGlobal(ctx)
		require.NoError(t, err)
		assert.Equal(t, handle.KindObject, h0.Kind())
		assert.Equal(t, frame, h0.Frame())

		foo, err := p.Get(ctx, h0, Name("foo"))
		require.NoError(t, err)
		assert.Equal(t, wire.Undefined, foo)

		require.NoError(t, p.Set(ctx, h0, Name("x"), 42))
		x, err := p.Get(ctx, h0, Name("x"))
		require.NoError(t, err)
		assert.Equal(t, int64(42), x)

		_, err = p.InvokeMember(ctx, h0, "noSuchFn")
		assert.ErrorIs(t, err, xerr.ErrMissingMethod)

		p.Release(h0)
		p.Release(h0)
		_, err = p.Get(ctx, h0, Name("x"))
		assert.ErrorIs(t, err, xerr.ErrDeadObject)
	})
}

func TestInvoke(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.provider
		global, err := p.GetGlobal(ctx)
		require.NoError(t, err)

		add, err := p.Get(ctx, global, Name("add"))
		require.NoError(t, err)
		fn, ok := add.(handle.Handle)
		require.True(t, ok)
		assert.Equal(t, handle.KindFunction, fn.Kind())

		sum, err := p.Invoke(ctx, fn, nil, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(5), sum)

		sum, err = p.InvokeMember(ctx, global, "add", 1.5, 2)
		require.NoError(t, err)
		assert.Equal(t, 3.5, sum)

		concat, err := p.InvokeMember(ctx, global, "add", "a", "b")
		require.NoError(t, err)
		assert.Equal(t, "ab", concat)

		// The receiver of Invoke is passed through as this.
		self, err := p.Get(ctx, global, Name("self"))
		require.NoError(t, err)
		objH, err := p.Get(ctx, global, Name("obj"))
		require.NoError(t, err)
		got, err := p.Invoke(ctx, self.(handle.Handle), objH)
		require.NoError(t, err)
		tag, err := p.Get(ctx, got.(handle.Handle), Name("tag"))
		require.NoError(t, err)
		assert.Equal(t, "x", tag)

		_, err = p.Invoke(ctx, objH.(handle.Handle), nil)
		assert.ErrorIs(t, err, xerr.ErrInvalidCast)
	})
}

func TestObjectsRoundTrip(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.provider
		global, err := p.GetGlobal(ctx)
		require.NoError(t, err)

		obj, err := p.Get(ctx, global, Name("obj"))
		require.NoError(t, err)
		back, err := p.InvokeMember(ctx, global, "identity", obj)
		require.NoError(t, err)

		// Every minting yields a fresh token for the same script value.
		assert.False(t, obj.(handle.Handle).Equal(back.(handle.Handle)))
		tag, err := p.Get(ctx, back.(handle.Handle), Name("tag"))
		require.NoError(t, err)
		assert.Equal(t, "x", tag)

		arr, err := p.Get(ctx, global, Name("arr"))
		require.NoError(t, err)
		second, err := p.Get(ctx, arr.(handle.Handle), Index(1))
		require.NoError(t, err)
		assert.Equal(t, int64(20), second)

		require.NoError(t, p.Set(ctx, arr.(handle.Handle), Index(0), "first"))
		first, err := p.Get(ctx, arr.(handle.Handle), Index(0))
		require.NoError(t, err)
		assert.Equal(t, "first", first)
	})
}

func TestDatesAreCopied(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.provider
		global, err := p.GetGlobal(ctx)
		require.NoError(t, err)
		before := h.eng.Registry().Stats().Handles

		when := time.Date(2023, 7, 8, 9, 10, 11, 12_000_000, time.UTC)
		require.NoError(t, p.Set(ctx, global, Name("when"), when))

		got, err := p.Get(ctx, global, Name("when"))
		require.NoError(t, err)
		require.IsType(t, time.Time{}, got)
		assert.True(t, when.Equal(got.(time.Time)))

		year, err := p.InvokeMember(ctx, global, "identity", when)
		require.NoError(t, err)
		assert.True(t, when.Equal(year.(time.Time)))

		assert.Equal(t, before, h.eng.Registry().Stats().Handles)
	})
}

func TestSpecialDoubles(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		p := h.provider
		global, err := p.GetGlobal(ctx)
		require.NoError(t, err)

		read := func(name string) float64 {
			t.Helper()
			v, err := p.Get(ctx, global, Name(name))
			require.NoError(t, err)
			require.IsType(t, float64(0), v)
			return v.(float64)
		}
		assert.True(t, math.IsNaN(read("nan")))
		assert.True(t, math.IsInf(read("inf"), 1))
		assert.True(t, math.IsInf(read("ninf"), -1))
		nzero := read("nzero")
		assert.True(t, nzero == 0 && math.Signbit(nzero))

		tests := []struct {
			in   float64
			want string
		}{
			{math.NaN(), "NaN"},
			{math.Inf(1), "Infinity"},
			{math.Inf(-1), "-Infinity"},
			{math.Copysign(0, -1), "-0"},
		}
		for _, tt := range tests {
			require.NoError(t, p.Set(ctx, global, Name("n"), tt.in))
			seen, err := p.InvokeMember(ctx, global, "describe", tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, seen)

			back, err := p.Get(ctx, global, Name("n"))
			require.NoError(t, err)
			assert.Equal(t, math.Float64bits(tt.in), math.Float64bits(back.(float64)), tt.want)
		}
	})
}

func TestScriptException(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		global, err := h.provider.GetGlobal(ctx)
		require.NoError(t, err)

		_, err = h.provider.InvokeMember(ctx, global, "thrower")
		var se *xerr.ScriptError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Contains(t, se.Message, "boom")
	})
}

func TestUnsupportedArgument(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		global, err := h.provider.GetGlobal(ctx)
		require.NoError(t, err)

		err = h.provider.Set(ctx, global, Name("bad"), map[string]int{"a": 1})
		assert.ErrorIs(t, err, xerr.ErrUnsupportedValue)
	})
}

func TestNavigationKillsHandles(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		global, err := h.provider.GetGlobal(ctx)
		require.NoError(t, err)

		require.NoError(t, h.eng.Navigate(ctx, frame))

		_, err = h.provider.Get(ctx, global, Name("obj"))
		assert.ErrorIs(t, err, xerr.ErrDeadObject)

		fresh, err := h.provider.GetGlobal(ctx)
		require.NoError(t, err)
		obj, err := h.provider.Get(ctx, fresh, Name("obj"))
		require.NoError(t, err)
		assert.Equal(t, wire.Undefined, obj)
	})
}

func TestForeignFrameHandle(t *testing.T) {
	forEachPath(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		forged := handle.NewHostRef(99, handle.KindObject, handle.Token{Index: 1, Generation: 1})

		_, err := h.provider.Get(ctx, forged, Name("x"))
		assert.ErrorIs(t, err, xerr.ErrDeadObject)
	})
}

func TestRemoteTimeout(t *testing.T) {
	clientRouter := ipc.NewRouter(nil, nil)
	silent := ipc.NewRouter(nil, nil)
	link, _ := ipc.Pipe(clientRouter, silent)
	defer link.Close()

	client := NewClient(link, clientRouter, Options{Timeout: 40 * time.Millisecond})
	start := time.Now()
	_, err := client.Provider(frame).GetGlobal(context.Background())

	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, client.Pending())
}

func TestRemoteSendFailureIsTimeout(t *testing.T) {
	clientRouter := ipc.NewRouter(nil, nil)
	link, _ := ipc.Pipe(clientRouter, ipc.NewRouter(nil, nil))
	require.NoError(t, link.Close())

	client := NewClient(link, clientRouter, Options{})
	start := time.Now()
	_, err := client.Provider(frame).GetGlobal(context.Background())

	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// Release never reports anything.
	assert.NotPanics(t, func() {
		client.Provider(frame).Release(handle.NewHostRef(frame, handle.KindObject, handle.Token{Index: 1, Generation: 1}))
	})
}

func TestLateReplyReleasesHandle(t *testing.T) {
	h := newHarness(t, "remote", Options{Timeout: 30 * time.Millisecond})
	ctx := context.Background()

	global, err := h.client.Provider(frame).GetGlobal(ctx)
	if errors.Is(err, xerr.ErrTimeout) {
		t.Skip("host too slow for a 30ms bound")
	}
	require.NoError(t, err)
	baseline := h.eng.Registry().Stats().Handles

	_, err = h.provider.InvokeMember(ctx, global, "slow", 150)
	require.ErrorIs(t, err, xerr.ErrTimeout)

	// The object minted for the abandoned call is released once its
	// reply shows up.
	assert.Eventually(t, func() bool {
		return h.eng.Registry().Stats().Handles == baseline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAbandonedLocalCallReleasesHandle(t *testing.T) {
	h := newHarness(t, "local", Options{Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	baseline := h.eng.Registry().Stats().Handles

	unblock := make(chan struct{})
	require.NoError(t, h.eng.Post(func() { <-unblock }))

	_, err := h.provider.GetGlobal(ctx)
	require.ErrorIs(t, err, xerr.ErrTimeout)
	close(unblock)

	// Queued behind the abandoned call, so it has run once this returns.
	_, err = h.eng.Eval(ctx, frame, "0")
	require.NoError(t, err)
	assert.Equal(t, baseline, h.eng.Registry().Stats().Handles)
}

func TestCallTimeoutBoundsScript(t *testing.T) {
	h := newHarness(t, "local", Options{Timeout: 80 * time.Millisecond})
	ctx := context.Background()
	global, err := h.provider.GetGlobal(ctx)
	require.NoError(t, err)
	start := time.Now()

	_, err = h.provider.InvokeMember(ctx, global, "slow", 3000)
	require.ErrorIs(t, err, xerr.ErrTimeout)

	// The runaway call was interrupted at the provider bound.
	_, err = h.eng.Eval(ctx, frame, "0")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServerTimeoutBoundsScript(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(config.Default().Engine, nil, nil)
	defer eng.Close()
	require.NoError(t, eng.CreateContext(ctx, frame))
	_, err := eng.Eval(ctx, frame, fixture)
	require.NoError(t, err)

	hostRouter := ipc.NewRouter(nil, nil)
	clientRouter := ipc.NewRouter(nil, nil)
	server := NewServer(eng, hostRouter, Options{Timeout: 80 * time.Millisecond})
	defer server.Close()
	link, _ := ipc.Pipe(clientRouter, hostRouter)
	defer link.Close()
	remote := NewClient(link, clientRouter, Options{}).Provider(frame)

	global, err := remote.GetGlobal(ctx)
	require.NoError(t, err)
	start := time.Now()

	_, err = remote.InvokeMember(ctx, global, "slow", 3000)
	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// encodeFailLink fails its first sends as if the message had no wire
// form, then records everything it is asked to send.
type encodeFailLink struct {
	mu       sync.Mutex
	failures int
	sent     []*ipc.Message
}

func (l *encodeFailLink) ID() string   { return "link_encode" }
func (l *encodeFailLink) Close() error { return nil }

func (l *encodeFailLink) Send(_ context.Context, msg *ipc.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return fmt.Errorf("%w: test value", ipc.ErrEncode)
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *encodeFailLink) messages() []*ipc.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ipc.Message(nil), l.sent...)
}

func TestUnencodableReplyBecomesException(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(config.Default().Engine, nil, nil)
	defer eng.Close()
	require.NoError(t, eng.CreateContext(ctx, frame))

	hostRouter := ipc.NewRouter(nil, nil)
	server := NewServer(eng, hostRouter, Options{})
	defer server.Close()

	link := &encodeFailLink{failures: 1}
	req, err := wire.NewRequest(7, wire.OpGetGlobal, handle.Global(frame))
	require.NoError(t, err)
	hostRouter.Deliver(link, req)

	require.Eventually(t, func() bool { return len(link.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	reply, err := wire.ParseReply(link.messages()[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.ID)
	assert.ErrorIs(t, reply.Err, xerr.ErrUnsupportedValue)

	// The handle minted for the lost reply is gone.
	assert.Equal(t, 0, eng.Registry().Stats().Handles)
}

func TestProviderPerFrame(t *testing.T) {
	clientRouter := ipc.NewRouter(nil, nil)
	link, _ := ipc.Pipe(clientRouter, ipc.NewRouter(nil, nil))
	defer link.Close()
	client := NewClient(link, clientRouter, Options{})

	assert.Same(t, client.Provider(frame), client.Provider(frame))
	assert.NotSame(t, client.Provider(frame), client.Provider(frame+1))
}

func TestLinkCloseFailsPending(t *testing.T) {
	h := newHarness(t, "remote", Options{})
	ctx := context.Background()
	global, err := h.provider.GetGlobal(ctx)
	require.NoError(t, err)

	time.AfterFunc(30*time.Millisecond, func() { h.link.Close() })
	start := time.Now()
	_, err = h.provider.InvokeMember(ctx, global, "slow", 300)

	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestClientClose(t *testing.T) {
	h := newHarness(t, "remote", Options{})
	h.client.Close()
	h.client.Close()

	_, err := h.provider.GetGlobal(context.Background())
	assert.ErrorIs(t, err, xerr.ErrTimeout)
}

func TestServerDropsStrayMessages(t *testing.T) {
	eng := engine.New(config.Default().Engine, nil, nil)
	defer eng.Close()
	hostRouter := ipc.NewRouter(nil, nil)
	server := NewServer(eng, hostRouter, Options{})
	defer server.Close()

	a, b := ipc.Pipe(ipc.NewRouter(nil, nil), hostRouter)
	defer a.Close()

	assert.NotPanics(t, func() {
		hostRouter.Deliver(b, wire.NewReply(1, frame, int64(1), nil))
		hostRouter.Deliver(b, &ipc.Message{Name: wire.MessageRequest, Args: []ipc.Value{ipc.String("x")}})
		hostRouter.Deliver(b, &ipc.Message{Name: wire.MessageRelease})
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "name", Name("name").String())
	assert.Equal(t, "3", Index(3).String())
	assert.True(t, Index(0).IsIndex())
	assert.False(t, Name("").IsIndex())

	_, err := keyOf(true)
	assert.ErrorIs(t, err, xerr.ErrInvalidCast)
}
