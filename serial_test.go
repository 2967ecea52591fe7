package fwup

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// fakePort plays back DSR levels and inbound data. Methods it does not
// override panic through the nil embedded Port.
type fakePort struct {
	serial.Port

	dsr      []bool
	inbound  []byte
	written  bytes.Buffer
	drained  int
	statusRd int
}

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	if len(p.dsr) == 0 {
		return nil, errors.New("no more modem status")
	}
	level := p.dsr[0]
	p.dsr = p.dsr[1:]
	p.statusRd++
	return &serial.ModemStatusBits{DSR: level}, nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }

func (p *fakePort) Drain() error {
	p.drained++
	return nil
}

func TestSerialTransportReportsDSRDrop(t *testing.T) {
	tests := []struct {
		name string
		dsr  []bool
		want []bool // whether each read reports a disconnect
	}{
		{
			name: "falling edges only",
			dsr:  []bool{true, true, false, false, true, false},
			want: []bool{false, false, true, false, false, true},
		},
		{
			name: "low from the start is not a drop",
			dsr:  []bool{false, false, true, false},
			want: []bool{false, false, false, true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &SerialTransport{Port: &fakePort{dsr: tt.dsr}, WatchDSR: true}
			buf := make([]byte, 16)
			for i, want := range tt.want {
				_, err := tr.ReadChunk(buf)
				if got := errors.Is(err, ErrDisconnected); got != want {
					t.Errorf("read #%d: disconnect = %v (err %v), want %v", i, got, err, want)
				}
				if err != nil && !errors.Is(err, ErrDisconnected) {
					t.Fatalf("read #%d: %v", i, err)
				}
			}
		})
	}
}

func TestSerialTransportReadsData(t *testing.T) {
	port := &fakePort{inbound: []byte("FWUP")}
	tr := &SerialTransport{Port: port}
	buf := make([]byte, 16)

	n, err := tr.ReadChunk(buf)
	if err != nil || string(buf[:n]) != "FWUP" {
		t.Fatalf("ReadChunk = %q, %v", buf[:n], err)
	}
	if port.statusRd != 0 {
		t.Errorf("modem status read %d times without WatchDSR", port.statusRd)
	}
	if n, err := tr.ReadChunk(buf); n != 0 || err != nil {
		t.Errorf("idle ReadChunk = %d, %v, want 0, nil", n, err)
	}

	if err := tr.WriteReply(ReplyOK); err != nil {
		t.Fatal(err)
	}
	if port.written.String() != "OK" || port.drained != 1 {
		t.Errorf("wrote %q, drained %d times", port.written.String(), port.drained)
	}
}

func TestSerialTransportModemStatusError(t *testing.T) {
	tr := &SerialTransport{Port: &fakePort{}, WatchDSR: true}
	_, err := tr.ReadChunk(make([]byte, 4))
	if err == nil || errors.Is(err, ErrDisconnected) {
		t.Fatalf("ReadChunk = %v, want a fatal error", err)
	}
}
