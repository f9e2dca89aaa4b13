package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oresat/oresat-node-core/internal/canbus"
	"github.com/oresat/oresat-node-core/internal/emergency"
	"github.com/oresat/oresat-node-core/internal/od"
)

// fakeBus is a minimal in-memory canbus.Bus, mirroring the pdo/sdo packages'
// own test doubles so this package's tests stay transport-agnostic.
type fakeBus struct {
	mu      sync.Mutex
	sent    []canbus.Frame
	handler canbus.FrameHandler
}

func (b *fakeBus) Send(f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, f)
	return nil
}
func (b *fakeBus) Subscribe(h canbus.FrameHandler) { b.handler = h }
func (b *fakeBus) Connect() error                  { return nil }
func (b *fakeBus) Close() error                    { return nil }
func (b *fakeBus) InterfaceName() string           { return "vcan0" }
func (b *fakeBus) Kind() canbus.Kind               { return canbus.KindVirtual }

func (b *fakeBus) lastFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame{}, b.sent...)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTestRuntime(t *testing.T) (*NodeRuntime, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	store := od.DefaultOD(0x10)
	rt := New(Config{
		NodeID:  0x10,
		Store:   store,
		Bus:     bus,
		Bitrate: 1_000_000,
		Log:     nopLogger{},
	}, nil)
	return rt, bus
}

// TestStartNetworkBringsUpOperationalAndSendsHeartbeat mirrors
// gocanopen's network_test.go style of driving a full stack up and asserting
// on the frames it emits, rather than mocking out individual components.
func TestStartNetworkBringsUpOperationalAndSendsHeartbeat(t *testing.T) {
	rt, bus := newTestRuntime(t)
	// Force a fast heartbeat so the test doesn't wait on the OD default.
	require.NoError(t, rt.store.Write(od.IndexProducerHeartbeatTime, 0, uint64(10)))

	require.NoError(t, rt.StartNetwork())
	defer rt.StopNetwork()

	require.Eventually(t, func() bool {
		for _, f := range bus.lastFrames() {
			if f.ID == 0x700+uint32(rt.nodeID) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expected a heartbeat frame on 0x700+nodeID")
}

func TestStopNetworkIsIdempotentBeforeStart(t *testing.T) {
	rt, _ := newTestRuntime(t)
	assert.NotPanics(t, func() { rt.StopNetwork() })
}

func TestSendTPDOReturnsNetworkDownWhenRequestedAndNetworkAbsent(t *testing.T) {
	rt, _ := newTestRuntime(t)

	err := rt.SendTPDO(1, true)
	assert.ErrorIs(t, err, emergency.ErrNetworkDown)

	err = rt.SendTPDO(1, false)
	assert.NoError(t, err)
}

func TestHandleRoutesSyncFrameToPDOEngine(t *testing.T) {
	rt, bus := newTestRuntime(t)
	require.NoError(t, rt.StartNetwork())
	defer rt.StopNetwork()

	rt.Handle(canbus.Frame{ID: syncCobID, DLC: 0})

	// DispatchSync must not panic even with no mapped TPDOs; the test's
	// real assertion is that routing by COB-ID doesn't misfire into the
	// SDO or NMT handlers (which would log/err on a malformed frame).
	_ = bus.lastFrames()
}

func TestReadWriteODRoundTrips(t *testing.T) {
	rt, _ := newTestRuntime(t)
	require.NoError(t, rt.WriteOD(od.IndexProducerHeartbeatTime, 0, uint64(2000)))
	v, err := rt.ReadOD(od.IndexProducerHeartbeatTime, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2000, v)
}
