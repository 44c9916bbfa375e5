package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"github.com/abihf/camsink/bridge"
	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/config"
	"github.com/abihf/camsink/negotiate"
	"github.com/abihf/camsink/pidfile"
	"github.com/abihf/camsink/sink"
)

var conf = config.Load()

func main() {
	if err := serve(); err != nil {
		log.Fatal(err)
	}
}

func serve() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: conf.Level()}))
	slog.SetDefault(logger)

	remove, err := pidfile.Create(conf.PidFile)
	if err != nil {
		return err
	}
	defer remove()

	devices := make([]capture.Info, len(conf.Devices))
	for i, d := range conf.Devices {
		devices[i] = capture.Info{
			Device:      d.Path,
			Facing:      capture.ParseFacing(d.Facing),
			Orientation: d.Orientation,
		}
	}
	svc := capture.NewV4L2(capture.V4L2Options{Devices: devices}, logger)
	driver := sink.NewLoopback(conf.ControlDevice, conf.MaxOpeners)

	b := bridge.New(svc, driver, bridge.Options{
		Target:    negotiate.Size{Width: conf.Width, Height: conf.Height},
		Overrides: conf.Parameters,
		BlankFill: conf.Fill(),
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return run(ctx, b, logger, func(state string) {
		daemon.SdNotify(false, state)
	})
}

type cameraBridge interface {
	Start(ctx context.Context) (int, error)
	Cameras() []bridge.Status
	Shutdown()
}

// run publishes the cameras and serves them until SIGINT or SIGTERM. The
// signals are trapped before startup so devices created during a slow start
// are still removed.
func run(ctx context.Context, b cameraBridge, logger *slog.Logger, notify func(state string)) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	n, err := b.Start(ctx)
	if err != nil {
		b.Shutdown()
		return errors.Wrap(err, "Can not start camera bridge")
	}
	for _, st := range b.Cameras() {
		logger.Info("Camera ready", "camera", st.Index, "name", st.Name, "device", st.Device,
			"size", fmt.Sprintf("%dx%d", st.Width, st.Height), "rotation", st.Rotation)
	}
	logger.Info("Serving cameras", "count", n)

	notify(daemon.SdNotifyReady)
	sig := <-sigc
	logger.Info("Caught signal, shutting down", "signal", sig.String())
	notify(daemon.SdNotifyStopping)

	b.Shutdown()
	return nil
}
