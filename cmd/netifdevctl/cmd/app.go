package cmd

import (
	"log/slog"
	"os"

	"github.com/netifdevctl/netifdevctl/internal/bus"
	"github.com/netifdevctl/netifdevctl/internal/descriptor"
	"github.com/netifdevctl/netifdevctl/internal/devicectl"
	"github.com/netifdevctl/netifdevctl/internal/devicehandler"
	"github.com/netifdevctl/netifdevctl/internal/registry"
)

// app bundles the wiring every subcommand needs: a bus, a registry, a
// controller with every descriptor-declared type registered, and one
// bundled reference devicehandler.Handler per bridge-capable type.
type app struct {
	logger      *slog.Logger
	transport   *bus.Bus
	controller  *devicectl.Controller
	descriptors []descriptor.Descriptor
	handlers    []*devicehandler.Handler
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newApp loads descriptors from dir, builds an in-process bus and
// controller, registers every descriptor's type binding, and starts a
// bundled reference devicehandler for each bridge-capable type so the
// controller has a real peer to drive.
func newApp(dir string) (*app, error) {
	logger := setupLogger(logLevel)

	descs, err := descriptor.LoadDir(dir)
	if err != nil {
		return nil, err
	}

	transport := bus.New()
	reg := registry.NewMemoryRegistry()
	controller := devicectl.NewController(transport, reg, logger)

	a := &app{
		logger:      logger,
		transport:   transport,
		controller:  controller,
		descriptors: descs,
	}

	for i := range descs {
		d := &descs[i]
		binding, err := d.Binding()
		if err != nil {
			return nil, err
		}

		if d.BridgeCapable {
			h := devicehandler.New(transport, d.SubscriberObjectName(),
				devicehandler.NewLinuxLinkController(logger),
				devicehandler.NewLinuxIsolationController(logger),
				logger)
			h.Register()
			a.handlers = append(a.handlers, h)
		}

		controller.RegisterType(binding)
	}

	return a, nil
}

// close tears down the app's bus loop goroutine.
func (a *app) close() {
	a.transport.Close()
}
