package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	fwup "github.com/tocurd/go-fwup"
	"golang.org/x/sync/errgroup"
)

var serveFlags struct {
	bus              busFlags
	port             string
	baud             int
	poll             time.Duration
	watchDSR         bool
	reassembleHeader bool
	progressReplies  bool
	statsview        string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive FWUP uploads on a serial port and write them to flash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.port, "port", "/dev/ttyGS0", "serial port the host writes to")
	f.IntVar(&serveFlags.baud, "baud", 115200, "baud rate, ignored by USB CDC gadgets")
	f.DurationVar(&serveFlags.poll, "poll", 10*time.Millisecond, "longest single read on the port")
	f.BoolVar(&serveFlags.watchDSR, "watch-dsr", false, "treat a falling DSR line as a host disconnect")
	f.BoolVar(&serveFlags.reassembleHeader, "reassemble-header", false, "accept a header split across reads")
	f.BoolVar(&serveFlags.progressReplies, "progress-replies", false, "send HEADER_OK, ERASE_START and ERASE_DONE")
	f.StringVar(&serveFlags.statsview, "statsview", "", "serve runtime stats on this address, e.g. localhost:18066")
	serveFlags.bus.register(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	dev, closeBus, err := serveFlags.bus.open(logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer closeBus()

	id, err := dev.ReadID()
	if err != nil {
		return errors.Wrap(err, "read flash id")
	}
	opts := []fwup.Option{
		fwup.WithHeaderReassembly(serveFlags.reassembleHeader),
		fwup.WithProgressReplies(serveFlags.progressReplies),
		fwup.WithProgress(func(p fwup.Progress) {
			logrus.WithFields(logrus.Fields{
				"received": p.Received,
				"expected": p.Expected,
			}).Debugf("%.1f%%", p.Percentage())
		}),
	}
	if c := id.Capacity(); c != 0 {
		opts = append(opts, fwup.WithCapacity(c))
	}
	logrus.WithFields(logrus.Fields{
		"jedec":    id,
		"capacity": id.Capacity(),
	}).Info("flash ready")

	srv := fwup.NewServer(fwup.NewSession(dev, opts...))
	g, ctx := errgroup.WithContext(ctx)
	if serveFlags.statsview != "" {
		viewer.SetConfiguration(viewer.WithAddr(serveFlags.statsview))
		mgr := statsview.New()
		g.Go(func() error {
			mgr.Start()
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			mgr.Stop()
			return nil
		})
		logrus.Infof("runtime stats on http://%s/debug/statsview", serveFlags.statsview)
	}
	g.Go(func() error {
		return serveLoop(ctx, srv)
	})
	return g.Wait()
}

// serveLoop reopens the port whenever it goes away.
func serveLoop(ctx context.Context, srv *fwup.Server) error {
	log := logrus.WithField("port", serveFlags.port)
	for {
		t, err := fwup.OpenSerialTransport(serveFlags.port, serveFlags.baud, serveFlags.poll)
		if err != nil {
			// A gadget port only exists while a host is attached.
			log.WithError(err).Debug("port not available")
		} else {
			t.WatchDSR = serveFlags.watchDSR
			log.Info("waiting for uploads")
			err = srv.Serve(ctx, t)
			t.Close()
			if ctx.Err() != nil {
				log.Info("stopped")
				return nil
			}
			log.WithError(err).Warn("port lost, reopening")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
