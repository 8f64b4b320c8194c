package router

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/bridge"
	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/logging"
	"github.com/overlay-relay/router/internal/types"
)

// fakeStore is an in-memory collab.ConfigStore so tests never touch disk.
type fakeStore struct {
	mu    sync.Mutex
	saved *config.Config
	cfg   *config.Config
}

func (f *fakeStore) Load(string) (*config.Config, error) {
	return f.cfg, nil
}

func (f *fakeStore) Save(_ string, cfg *config.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = cfg
	return nil
}

// readyScript is an always-ready shell script: it reports ready at
// once, so a Router's nodes acquire an address without a real overlay.
func readyScript(address string) bridge.Spawner {
	return func(ctx context.Context) (*exec.Cmd, error) {
		return exec.Command("sh", "-c", `echo '{"type":"ready","body":{"address":"`+address+`"}}'; cat >/dev/null`), nil
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Services = []types.ServiceDefinition{
		{Name: "asr", TargetURL: "http://127.0.0.1:5001"},
		{Name: "tts", TargetURL: "http://127.0.0.1:5002"},
	}
	cfg.Security.PortIsolationEnabled = false
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config) (*Router, *fakeStore) {
	t.Helper()
	store := &fakeStore{cfg: cfg}
	r, err := New(Deps{
		ConfigPath: "unused",
		Store:      store,
		Supervisor: collab.NoopSupervisor{},
		Stats:      collab.NoopStats{},
		UI:         collab.NoopUI{},
		Spawner: func(service string, identity types.RelayIdentity) bridge.Spawner {
			return readyScript("addr-" + identity.Name)
		},
		Log: logging.Nop(),
	})
	require.NoError(t, err)
	return r, store
}

func TestRouter_StartAssignsEveryService(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())
	defer r.Shutdown()

	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, _, okASR := r.Owner("asr")
		_, _, okTTS := r.Owner("tts")
		return okASR && okTTS
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_OwnerUnknownServiceNotOK(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())
	defer r.Shutdown()
	require.NoError(t, r.Start(context.Background()))

	_, _, ok := r.Owner("unknown-service")
	require.False(t, ok)
}

func TestRouter_RotationReplacesNodeAndPersists(t *testing.T) {
	r, store := newTestRouter(t, testConfig())
	defer r.Shutdown()
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, _, ok := r.Owner("asr")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	oldNodeID := r.nodes["asr"].node.ID()
	r.mu.Unlock()

	r.RequestRotation("asr")

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.nodes["asr"].node.ID() != oldNodeID
	}, 3*time.Second, 10*time.Millisecond, "rotation should replace the owning node")

	r.persistIfDirty()
	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotNil(t, store.saved)
}

func TestRouter_RotationIsSingleFlightPerService(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())
	defer r.Shutdown()
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, _, ok := r.Owner("asr")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	r.RequestRotation("asr")
	r.RequestRotation("asr")
	r.RequestRotation("asr")

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.rotating["asr"]
	}, 3*time.Second, 10*time.Millisecond)
}
