package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/teplo/navitele/internal/tele"
	"github.com/teplo/navitele/log2"
	"github.com/teplo/navitele/npe"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Tele         *tele.Tele

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
		Tele:  new(tele.Tele),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	// config defaults, hcl zero value means not set
	if cfg.Hardware.Uart.Device == "" {
		cfg.Hardware.Uart.Device = "/dev/ttyAMA0"
	}
	if cfg.Hardware.Uart.Baud == 0 {
		cfg.Hardware.Uart.Baud = 19200
	}
	if cfg.Hardware.Uart.ReadTimeoutMs == 0 {
		cfg.Hardware.Uart.ReadTimeoutMs = 1000
	}
	if cfg.Hardware.Uart.Driver == "" {
		cfg.Hardware.Uart.Driver = "file"
	}
	if cfg.Decode.Revision == "" {
		cfg.Decode.Revision = npe.DefaultRevision
	}
	if _, err := npe.RevisionByName(cfg.Decode.Revision); err != nil {
		return errors.Annotate(err, "config decode")
	}
	if cfg.Broker.ListenURL == "" {
		cfg.Broker.ListenURL = "tcp://0.0.0.0:1883"
	}

	// Since tele is remote error reporting mechanism, it must be inited before anything else
	cfg.Tele.BuildVersion = g.BuildVersion
	if err := g.Tele.Init(ctx, g.Log, cfg.Tele); err != nil {
		return errors.Annotate(err, "tele init")
	}
	// Tele.Init clones g.Log before this hook lands, so tele's own logging
	// does not feed back into the error topic.
	g.Log.SetErrorFunc(g.Tele.Error)

	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Tele.Close()
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// First signal stops gracefully, second one is for operators losing patience.
func (g *Global) StopOnSignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		sig := <-ch
		g.Log.Infof("graceful stop on signal=%v", sig)
		g.Stop()
		sig = <-ch
		g.Log.Fatalf("second signal=%v hard exit", sig)
	}()
}
