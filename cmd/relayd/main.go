// Command relayd is the daemon entrypoint: it loads configuration,
// builds the Router, starts every configured Relay Node, and blocks
// until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/logging"
	"github.com/overlay-relay/router/internal/router"
	"github.com/overlay-relay/router/internal/state"
	"github.com/overlay-relay/router/internal/types"
)

var (
	configPath string
	noUI       bool
	bridgeCmd  string
)

func main() {
	os.Exit(run())
}

func run() int {
	pflag.StringVar(&configPath, "config", "", "path to router_config.json (defaults to the per-user state directory)")
	pflag.BoolVar(&noUI, "no-ui", false, "disable the terminal dashboard and external process supervisor")
	pflag.StringVar(&bridgeCmd, "bridge-cmd", "", "path to the overlay bridge executable launched per service")
	pflag.Parse()

	log := logging.NewConsole("relayd")
	if noUI {
		log = logging.New(os.Stderr, "relayd")
	}

	if err := state.EnsureDirs(); err != nil {
		log.Error().Err(err).Msg("relayd: failed to prepare install directory")
		return 1
	}

	path := configPath
	if path == "" {
		resolved, err := state.ConfigFile()
		if err != nil {
			log.Error().Err(err).Msg("relayd: failed to resolve default config path")
			return 1
		}
		path = resolved
	}

	deps := router.Deps{
		ConfigPath: path,
		Store:      config.FileStore{},
		Supervisor: collab.NoopSupervisor{},
		Stats:      collab.NoopStats{},
		UI:         collab.NoopUI{},
		Spawner:    spawnerFor(bridgeCmd),
		Log:        log,
	}

	r, err := router.New(deps)
	if err != nil {
		log.Error().Err(err).Msg("relayd: failed to load configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx); err != nil {
		log.Error().Err(err).Msg("relayd: failed to start router")
		return 1
	}
	log.Info().Msg("relayd: running")

	<-ctx.Done()
	log.Info().Msg("relayd: shutting down")
	r.Shutdown()

	return 0
}

// spawnerFor builds the router.ChildSpawner that launches the overlay
// bridge binary per service. The bridge binary itself implements the
// child side of the line-delimited protocol (spec.md §4.1) and is out
// of scope here; this only wires the seed/service into its argv/env.
func spawnerFor(binary string) router.ChildSpawner {
	return func(service string, identity types.RelayIdentity) func(ctx context.Context) (*exec.Cmd, error) {
		return func(ctx context.Context) (*exec.Cmd, error) {
			if binary == "" {
				return nil, fmt.Errorf("no --bridge-cmd configured, cannot spawn bridge for %s", service)
			}
			cmd := exec.CommandContext(ctx, binary, "--service", service, "--identity", identity.SeedHex)
			cmd.Env = append(os.Environ(),
				"RELAYD_SERVICE="+service,
				"RELAYD_IDENTITY_NAME="+identity.Name,
				"RELAYD_IDENTITY_SEED="+identity.SeedHex,
			)
			return cmd, nil
		}
	}
}
