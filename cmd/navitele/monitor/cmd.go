// Main, daemon mode of operation: tap the heater bus, publish telemetry.
package monitor

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/teplo/navitele/cmd/navitele/subcmd"
	monitor_sys "github.com/teplo/navitele/internal/monitor"
	"github.com/teplo/navitele/internal/state"
)

var Mod = subcmd.Mod{Name: "monitor", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	// Deliver the offline status while the connection is still up, after
	// hardware is down and nothing publishes anymore.
	defer g.Tele.Close()
	defer func() {
		if err := g.CloseHardware(); err != nil {
			g.Error(err)
		}
	}()

	mon := new(monitor_sys.Monitor)
	if err := mon.Init(ctx); err != nil {
		return errors.Annotate(err, "monitor init")
	}

	g.StopOnSignals()
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("monitor init complete, running")

	return mon.Run()
}
