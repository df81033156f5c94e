// Standalone MQTT broker, for single host installs where the Pi tapping
// the heater is also the MQTT hub.
package broker

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/teplo/navitele/cmd/navitele/subcmd"
	"github.com/teplo/navitele/helpers"
	"github.com/teplo/navitele/internal/mqttsrv"
	"github.com/teplo/navitele/internal/state"
)

var Mod = subcmd.Mod{Name: "broker", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	synthConfig := &state.Config{}
	synthConfig.Broker = config.Broker
	synthConfig.Broker.Enable = true
	g.MustInit(ctx, synthConfig)

	brokerConfig := &g.Config.Broker
	srv := mqttsrv.NewServer(mqttsrv.Options{
		Log:            g.Log,
		ListenURL:      brokerConfig.ListenURL,
		Username:       brokerConfig.Username,
		Password:       brokerConfig.Password,
		NetworkTimeout: helpers.IntSecondDefault(brokerConfig.NetworkTimeoutSec, 30*time.Second),
	})
	if err := srv.Listen(ctx); err != nil {
		return errors.Annotate(err, "broker listen")
	}
	defer srv.Close()
	g.Log.Infof("mqtt broker listening url=%s addr=%s", brokerConfig.ListenURL, srv.Addr())

	g.StopOnSignals()
	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Alive.Wait()
	return nil
}
