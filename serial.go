package fwup

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialTransport is the device end of a serial link, for example a USB
// CDC-ACM gadget port or a UART with DTR wired to DSR.
type SerialTransport struct {
	Port serial.Port

	// WatchDSR reports a falling DSR line as a disconnect.
	WatchDSR bool

	dsr bool
}

var _ Transport = (*SerialTransport)(nil)

/*
 * @Description: 打开设备端串口
 * @param name 端口名, 例如 /dev/ttyGS0
 * @param baud 波特率
 * @param poll 单次读取最长等待时间
 * @return *SerialTransport
 * @return error
 */
func OpenSerialTransport(name string, baud int, poll time.Duration) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}
	return &SerialTransport{Port: port}, nil
}

// ReadChunk implements Transport.
func (t *SerialTransport) ReadChunk(buf []byte) (int, error) {
	if t.WatchDSR {
		bits, err := t.Port.GetModemStatusBits()
		if err != nil {
			return 0, errors.Wrap(err, "modem status")
		}
		was := t.dsr
		t.dsr = bits.DSR
		if was && !bits.DSR {
			return 0, ErrDisconnected
		}
	}
	n, err := t.Port.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, "serial read")
	}
	return n, nil
}

// WriteReply implements Replier.
func (t *SerialTransport) WriteReply(p []byte) error {
	if _, err := t.Port.Write(p); err != nil {
		return errors.Wrap(err, "serial write")
	}
	return errors.Wrap(t.Port.Drain(), "serial drain")
}

func (t *SerialTransport) Close() error {
	return t.Port.Close()
}

/*
 * @Description: 打开主机端串口, 上传工具使用
 * @param name 端口名
 * @param baud 波特率
 * @param poll 单次读取最长等待时间
 * @return serial.Port
 * @return error
 */
func OpenSerialLink(name string, baud int, poll time.Duration) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate:          baud,
		DataBits:          8,
		StopBits:          serial.OneStopBit,
		Parity:            serial.NoParity,
		InitialStatusBits: &serial.ModemOutputBits{RTS: true, DTR: true},
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}
	return port, nil
}
