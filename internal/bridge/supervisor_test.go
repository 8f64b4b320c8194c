package bridge

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/logging"
)

// fakeSpawn launches a tiny shell script so we exercise the real
// stdin/stdout/process plumbing without depending on the actual
// service bridges.
func fakeSpawn(script string) Spawner {
	return func(ctx context.Context) (*exec.Cmd, error) {
		return exec.Command("sh", "-c", script), nil
	}
}

func TestSupervisor_ReadyThenInbound(t *testing.T) {
	script := `read _; echo '{"type":"ready","body":{"address":"relay-1"}}'; echo '{"type":"inbound","body":{"src":"peer","msg":{"hello":true}}}'; cat >/dev/null`

	var mu sync.Mutex
	var addrs []string
	var inbound []string

	sup := NewSupervisor("asr", fakeSpawn(script),
		func(addr string, ok bool) {
			mu.Lock()
			defer mu.Unlock()
			if ok {
				addrs = append(addrs, addr)
			}
		},
		func(src string, msg json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			inbound = append(inbound, src)
		},
		logging.Nop(),
	)
	defer sup.Shutdown()

	require.NoError(t, sup.Start(context.Background()))
	sup.Send("peer", json.RawMessage(`{"ping":true}`), nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(addrs) > 0 && len(inbound) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_RestartsAfterChildExit(t *testing.T) {
	script := `echo '{"type":"ready","body":{"address":"relay-1"}}'; exit 1`

	var mu sync.Mutex
	var readyCount int

	sup := NewSupervisor("tts", fakeSpawn(script),
		func(addr string, ok bool) {
			mu.Lock()
			defer mu.Unlock()
			if ok {
				readyCount++
			}
		},
		func(string, json.RawMessage) {},
		logging.Nop(),
	)
	sup.backoff.InitialInterval = 10 * time.Millisecond
	sup.backoff.MaxInterval = 20 * time.Millisecond
	defer sup.Shutdown()

	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return readyCount >= 2
	}, 3*time.Second, 10*time.Millisecond, "bridge should restart and re-ready at least twice")
}

func TestSupervisor_ShutdownStopsRestarts(t *testing.T) {
	script := `echo '{"type":"ready","body":{"address":"relay-1"}}'; exit 1`

	sup := NewSupervisor("llm", fakeSpawn(script), func(string, bool) {}, func(string, json.RawMessage) {}, logging.Nop())
	sup.backoff.InitialInterval = 10 * time.Millisecond

	require.NoError(t, sup.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	sup.Shutdown()

	sup.mu.Lock()
	stopped := sup.stopped
	sup.mu.Unlock()
	require.True(t, stopped)
}
