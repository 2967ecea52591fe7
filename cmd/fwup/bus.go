package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tocurd/go-fwup/flash"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// busFlags selects the SPI bus the flash part hangs off.
type busFlags struct {
	port         string
	mhz          int64
	ftdi         bool
	sim          string
	readyTimeout time.Duration
}

func (b *busFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&b.port, "spi", "", "SPI port name, e.g. /dev/spidev0.0 (default: first available)")
	f.Int64Var(&b.mhz, "spi-mhz", 10, "SPI clock in MHz")
	f.BoolVar(&b.ftdi, "ftdi", false, "use the MPSSE SPI port of the first FT232H")
	f.StringVar(&b.sim, "sim", "", "simulate a flash part in memory, e.g. W25Q16")
	f.DurationVar(&b.readyTimeout, "ready-timeout", 3*time.Second, "longest wait for the busy bit to clear")
}

/*
 * @Description: 打开 flash 所在的 SPI 总线
 * @receiver b
 * @param log
 * @return *flash.Device
 * @return func() 关闭总线
 * @return error
 */
func (b *busFlags) open(log logrus.FieldLogger) (*flash.Device, func(), error) {
	opts := []flash.Option{
		flash.WithLogger(log),
		flash.WithReadyTimeout(b.readyTimeout),
	}
	if b.sim != "" {
		id, ok := flash.LookupPart(b.sim)
		if !ok {
			return nil, nil, errors.Errorf("unknown flash part %q", b.sim)
		}
		if id.Capacity() == 0 {
			return nil, nil, errors.Errorf("cannot simulate %s: capacity unknown", id)
		}
		log.WithField("part", id).Warn("using simulated flash, nothing is written to hardware")
		return flash.New(flash.NewSim(id), opts...), func() {}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Wrap(err, "host init")
	}
	var port spi.PortCloser
	var err error
	if b.ftdi {
		port, err = openFT232H()
	} else {
		port, err = spireg.Open(b.port)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "open spi port")
	}
	conn, err := port.Connect(physic.Frequency(b.mhz)*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, errors.Wrap(err, "connect spi")
	}
	log.WithField("spi", conn.String()).Debug("spi connected")
	return flash.New(conn, opts...), func() { port.Close() }, nil
}

func openFT232H() (spi.PortCloser, error) {
	for _, dev := range ftdi.All() {
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft.SPI()
		}
	}
	return nil, errors.New("no FT232H found")
}
