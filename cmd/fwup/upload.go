package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	fwup "github.com/tocurd/go-fwup"
	"golang.org/x/term"
)

var uploadFlags struct {
	port            string
	baud            int
	usb             bool
	vid             uint16
	pid             uint16
	epOut           int
	epIn            int
	chunk           int
	timeout         time.Duration
	waitAfterHeader time.Duration
	handshake       bool
	eraseTimeout    time.Duration
	quiet           bool
}

var uploadCmd = &cobra.Command{
	Use:   "upload IMAGE",
	Short: "Upload a .bin or .hex image to a device running fwup serve",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		link, err := openLink()
		if err != nil {
			return err
		}
		defer link.Close()

		opts := []fwup.UploadOption{
			fwup.WithChunkSize(uploadFlags.chunk),
			fwup.WithAckTimeout(uploadFlags.timeout),
			fwup.WithWaitAfterHeader(uploadFlags.waitAfterHeader),
		}
		if uploadFlags.handshake {
			opts = append(opts, fwup.WithEraseHandshake(uploadFlags.eraseTimeout))
		}
		showProgress := !uploadFlags.quiet && term.IsTerminal(int(os.Stderr.Fd()))
		if showProgress {
			opts = append(opts, fwup.WithUploadProgress(func(p float64) {
				fmt.Fprintf(os.Stderr, "\rsent %5.1f%%", p)
			}))
		}

		start := time.Now()
		err = fwup.NewUploader(link, opts...).UploadFile(ctx, args[0])
		if showProgress {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}
		logrus.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("upload done")
		return nil
	},
}

func init() {
	f := uploadCmd.Flags()
	f.StringVar(&uploadFlags.port, "port", "/dev/ttyACM0", "serial port of the device")
	f.IntVar(&uploadFlags.baud, "baud", 115200, "baud rate")
	f.BoolVar(&uploadFlags.usb, "usb", false, "talk to the vendor bulk interface instead of a serial port")
	f.Uint16Var(&uploadFlags.vid, "vid", uint16(fwup.DefaultVendorID), "USB vendor ID")
	f.Uint16Var(&uploadFlags.pid, "pid", uint16(fwup.DefaultProductID), "USB product ID")
	f.IntVar(&uploadFlags.epOut, "ep-out", fwup.DefaultOutEndpoint, "bulk OUT endpoint address")
	f.IntVar(&uploadFlags.epIn, "ep-in", fwup.DefaultInEndpoint, "bulk IN endpoint address")
	f.IntVar(&uploadFlags.chunk, "chunk", fwup.DefaultChunkSize, "payload bytes per write")
	f.DurationVar(&uploadFlags.timeout, "timeout", 10*time.Second, "longest wait for OK after the last byte")
	f.DurationVar(&uploadFlags.waitAfterHeader, "wait-after-header", 0, "pause after the header while the device erases")
	f.BoolVar(&uploadFlags.handshake, "handshake", false, "wait for ERASE_DONE before the payload (needs serve --progress-replies)")
	f.DurationVar(&uploadFlags.eraseTimeout, "erase-timeout", 2*time.Minute, "longest wait for ERASE_DONE")
	f.BoolVarP(&uploadFlags.quiet, "quiet", "q", false, "no progress output")
	rootCmd.AddCommand(uploadCmd)
}

func openLink() (io.ReadWriteCloser, error) {
	if uploadFlags.usb {
		link, err := fwup.OpenUSBLink(gousb.ID(uploadFlags.vid), gousb.ID(uploadFlags.pid), uploadFlags.epOut, uploadFlags.epIn)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
	port, err := fwup.OpenSerialLink(uploadFlags.port, uploadFlags.baud, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return port, nil
}
