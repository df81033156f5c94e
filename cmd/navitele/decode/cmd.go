// Offline frame decoder, protocol work bench without the heater.
// Feed it hex frames from captures or mosquitto_sub dumps, one per line.
package decode

import (
	"context"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/teplo/navitele/cmd/navitele/subcmd"
	"github.com/teplo/navitele/helpers/cli"
	"github.com/teplo/navitele/internal/state"
	"github.com/teplo/navitele/npe"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	synthConfig := &state.Config{}
	synthConfig.Decode = config.Decode
	g.MustInit(ctx, synthConfig)

	rev, err := npe.RevisionByName(g.Config.Decode.Revision)
	if err != nil {
		return errors.Trace(err)
	}

	cli.MainLoop(modName, newExecutor(g, rev), newCompleter())
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		return nil
	}
}

func newExecutor(g *state.Global, rev *npe.Revision) func(string) {
	return func(line string) {
		f, err := npe.FrameFromHex(line)
		if err != nil {
			g.Log.Errorf("%s", errors.ErrorStack(err))
			return
		}
		g.Log.Infof("frame %s", f.Format())
		switch h := f.Header(); h.Type {
		case npe.TypeGas:
			p, err := npe.NewGas(&f, rev)
			if err != nil {
				g.Log.Errorf("%v", err)
				return
			}
			g.Log.Infof("%s", p)
		case npe.TypeWater:
			p, err := npe.NewWater(&f, rev)
			if err != nil {
				g.Log.Errorf("%v", err)
				return
			}
			g.Log.Infof("%s", p)
		default:
			g.Log.Infof("type=%02x not decoded", h.Type)
		}
	}
}
