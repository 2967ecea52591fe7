package fwup

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// Defaults of the vendor bulk interface exposed by the device firmware.
const (
	DefaultVendorID    gousb.ID = 0xCAFE
	DefaultProductID   gousb.ID = 0x4001
	DefaultOutEndpoint          = 0x01
	DefaultInEndpoint           = 0x81
)

// USBLink is the host end of the vendor bulk interface. Read returns 0, nil
// when nothing arrives within ReadTimeout, so it can be polled.
type USBLink struct {
	ReadTimeout time.Duration

	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

/*
 * @Description: 打开 USB 设备的 vendor bulk 接口
 * @param vid 厂商 ID
 * @param pid 产品 ID
 * @param outAddr OUT 端点地址, 例如 0x01
 * @param inAddr IN 端点地址, 例如 0x81
 * @return *USBLink
 * @return error
 */
func OpenUSBLink(vid, pid gousb.ID, outAddr, inAddr int) (link *USBLink, err error) {
	ctx := gousb.NewContext()
	defer func() {
		if err != nil {
			ctx.Close()
		}
	}()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, errors.Wrap(err, "open usb device")
	}
	if dev == nil {
		return nil, errors.Errorf("usb device %s:%s not found", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "detach kernel driver")
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "claim interface")
	}
	out, err := intf.OutEndpoint(outAddr & 0x7F)
	if err != nil {
		done()
		dev.Close()
		return nil, errors.Wrapf(err, "out endpoint 0x%02X", outAddr)
	}
	in, err := intf.InEndpoint(inAddr & 0x7F)
	if err != nil {
		done()
		dev.Close()
		return nil, errors.Wrapf(err, "in endpoint 0x%02X", inAddr)
	}
	return &USBLink{
		ReadTimeout: 100 * time.Millisecond,
		ctx:         ctx,
		dev:         dev,
		done:        done,
		out:         out,
		in:          in,
	}, nil
}

func (l *USBLink) Write(p []byte) (int, error) {
	return l.out.Write(p)
}

func (l *USBLink) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.ReadTimeout)
	defer cancel()
	n, err := l.in.ReadContext(ctx, p)
	if err != nil && ctx.Err() != nil {
		return n, nil
	}
	return n, err
}

func (l *USBLink) Close() error {
	l.done()
	if err := l.dev.Close(); err != nil {
		l.ctx.Close()
		return err
	}
	return l.ctx.Close()
}
