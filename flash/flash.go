// Package flash drives a SPI NOR flash part through a periph.io spi.Conn.
//
// Each Tx on the connection is one chip-select framed transaction. All
// operations are synchronous: erase and program return only once the part
// reports ready again, so the caller never has two operations in flight.
package flash

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/spi"
)

// maxTx is the largest transaction spidev accepts with its default bufsiz.
const maxTx = 4096

// Device is a NOR flash part behind a SPI connection.
type Device struct {
	conn spi.Conn
	cfg  config
	log  *logrus.Entry
}

// New returns a Device talking over conn.
func New(conn spi.Conn, opts ...Option) *Device {
	if conn == nil {
		panic("flash: conn cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{
		conn: conn,
		cfg:  cfg,
		log:  cfg.Logger.WithField("component", "flash"),
	}
}

func (d *Device) tx(w, r []byte) error {
	return errors.Wrapf(d.conn.Tx(w, r), "spi tx 0x%02X", w[0])
}

// WriteEnable sets the write enable latch. The part clears it again at the
// end of every erase or program.
func (d *Device) WriteEnable() error {
	return d.tx([]byte{cmdWriteEnable}, nil)
}

// ReadStatus returns status register 1.
func (d *Device) ReadStatus() (byte, error) {
	w := []byte{cmdReadStatus, 0xFF}
	r := make([]byte, len(w))
	if err := d.tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

// WaitUntilReady polls the busy bit until it clears. It gives up with
// ErrBusyTimeout after the configured ready timeout.
func (d *Device) WaitUntilReady() error {
	timeout := time.After(d.cfg.ReadyTimeout)
	for {
		select {
		case <-timeout:
			d.log.WithField("timeout", d.cfg.ReadyTimeout).Error("flash never became ready")
			return ErrBusyTimeout
		default:
			sr, err := d.ReadStatus()
			if err != nil {
				return err
			}
			if sr&statusBusy == 0 {
				return nil
			}
			if d.cfg.PollInterval > 0 {
				time.Sleep(d.cfg.PollInterval)
			}
		}
	}
}

// ReadID reads the JEDEC manufacturer and device ID.
func (d *Device) ReadID() (ID, error) {
	w := []byte{cmdReadID, 0xFF, 0xFF, 0xFF}
	r := make([]byte, len(w))
	if err := d.tx(w, r); err != nil {
		return ID{}, err
	}
	var id ID
	copy(id[:], r[1:4])
	return id, nil
}

// Read reads n bytes starting at addr, split into transactions that fit the
// bus limit.
func (d *Device) Read(addr uint32, n int) ([]byte, error) {
	const dataPerTx = maxTx - 4
	if n < 0 || uint64(addr)+uint64(n) > MaxAddress+1 {
		return nil, &AddressError{Op: "read", Addr: addr, Err: ErrOutOfRange}
	}
	out := make([]byte, 0, n)
	for remaining := n; remaining > 0; {
		chunk := min(remaining, dataPerTx)
		w := make([]byte, 4+chunk)
		w[0] = cmdRead
		putAddr(w[1:], addr)
		r := make([]byte, len(w))
		if err := d.tx(w, r); err != nil {
			return nil, err
		}
		out = append(out, r[4:]...)
		addr += uint32(chunk)
		remaining -= chunk
	}
	return out, nil
}

// EraseSector erases the 4 KiB sector at addr, leaving it all ones.
func (d *Device) EraseSector(addr uint32) error {
	if addr%SectorSize != 0 {
		return &AddressError{Op: "erase", Addr: addr, Err: ErrUnaligned}
	}
	if addr > MaxAddress {
		return &AddressError{Op: "erase", Addr: addr, Err: ErrOutOfRange}
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	w := []byte{cmdSectorErase, 0, 0, 0}
	putAddr(w[1:], addr)
	if err := d.tx(w, nil); err != nil {
		return err
	}
	return errors.Wrapf(d.WaitUntilReady(), "erase 0x%06X", addr)
}

// ProgramPage programs data at addr. The caller keeps [addr, addr+len(data))
// inside one page and erased beforehand; the part silently wraps or ANDs
// otherwise.
func (d *Device) ProgramPage(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > PageSize {
		return ErrPageOverflow
	}
	if addr > MaxAddress {
		return &AddressError{Op: "program", Addr: addr, Err: ErrOutOfRange}
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	w := make([]byte, 4+len(data))
	w[0] = cmdPageProgram
	putAddr(w[1:], addr)
	copy(w[4:], data)
	if err := d.tx(w, nil); err != nil {
		return err
	}
	return errors.Wrapf(d.WaitUntilReady(), "program 0x%06X", addr)
}

// EraseRange erases, in ascending order, every sector touched by
// [start, start+size). Nothing is erased when size is 0.
func (d *Device) EraseRange(start, size uint32) error {
	a0, a1 := SectorSpan(start, size)
	if a1 > a0 {
		d.log.WithFields(logrus.Fields{
			"start":   a0,
			"end":     a1,
			"sectors": (a1 - a0) / SectorSize,
		}).Debug("erasing range")
	}
	for a := a0; a < a1; a += SectorSize {
		if err := d.EraseSector(uint32(a)); err != nil {
			return err
		}
	}
	return nil
}

// SectorSpan returns the smallest sector-aligned [a0, a1) covering
// [start, start+size). The end is computed in 64 bits so a range ending at
// the top of the 32-bit space does not wrap.
func SectorSpan(start, size uint32) (a0, a1 uint64) {
	if size == 0 {
		return 0, 0
	}
	a0 = uint64(start) &^ (SectorSize - 1)
	a1 = (uint64(start) + uint64(size) + SectorSize - 1) &^ (SectorSize - 1)
	return a0, a1
}

func putAddr(b []byte, addr uint32) {
	b[0] = byte(addr >> 16)
	b[1] = byte(addr >> 8)
	b[2] = byte(addr)
}
