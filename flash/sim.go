package flash

import (
	"fmt"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// OpKind identifies a recorded Sim operation.
type OpKind int

const (
	OpErase OpKind = iota
	OpProgram
)

func (k OpKind) String() string {
	switch k {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one erase or program the simulated part accepted.
type Op struct {
	Kind OpKind
	Addr uint32
	Len  int
}

// Sim is an in-memory NOR flash part exposed as a spi.Conn. It behaves like
// the real thing where it matters to a driver: commands are ignored while the
// part is busy or without the write enable latch, programming can only clear
// bits, and a program that runs past the end of a page wraps to its start.
// Anything a correct driver would never cause is recorded as a fault.
//
// Fresh memory holds zeros, not the erased value, so programming a region
// that was never erased is visible.
type Sim struct {
	id     ID
	mem    []byte
	erased []bool

	// BusyPolls is how many status reads report busy after each erase or
	// program.
	BusyPolls int

	wel    bool
	busy   int
	stuck  bool
	ops    []Op
	faults []string
}

var _ spi.Conn = (*Sim)(nil)

// NewSim returns a simulated part answering with id, sized from the id's
// capacity byte.
func NewSim(id ID) *Sim {
	size := id.Capacity()
	if size == 0 {
		panic("flash: sim needs an ID with a decodable capacity")
	}
	return &Sim{
		id:        id,
		mem:       make([]byte, size),
		erased:    make([]bool, size),
		BusyPolls: 2,
	}
}

func (s *Sim) String() string { return "flash-sim(" + s.id.String() + ")" }

// Duplex implements conn.Conn.
func (s *Sim) Duplex() conn.Duplex { return conn.Full }

// TxPackets implements spi.Conn; each packet is its own transaction.
func (s *Sim) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := s.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

// Tx implements conn.Conn.
func (s *Sim) Tx(w, r []byte) error {
	if len(w) == 0 {
		return errors.New("flash-sim: empty transaction")
	}
	if r != nil && len(r) != len(w) {
		return errors.Errorf("flash-sim: full duplex needs len(r) == len(w), got %d and %d", len(r), len(w))
	}
	for i := range r {
		r[i] = 0xFF
	}

	cmd := w[0]
	if cmd == cmdReadStatus {
		sr := s.status()
		for i := 1; i < len(r); i++ {
			r[i] = sr
		}
		return nil
	}
	if s.busy > 0 || s.stuck {
		s.fault("command 0x%02X while busy", cmd)
		return nil
	}

	switch cmd {
	case cmdWriteEnable:
		s.wel = true
	case cmdWriteDisable:
		s.wel = false
	case cmdReadID:
		if r != nil {
			copy(r[1:], s.id[:])
		}
	case cmdRead:
		if len(w) < 4 {
			return errors.New("flash-sim: short read command")
		}
		addr := s.addr(w[1:4])
		for i := 4; i < len(r); i++ {
			r[i] = s.mem[(int(addr)+i-4)%len(s.mem)]
		}
	case cmdSectorErase:
		if len(w) != 4 {
			return errors.New("flash-sim: malformed erase command")
		}
		if !s.latch(cmd) {
			return nil
		}
		base := s.addr(w[1:4]) &^ (SectorSize - 1)
		for i := base; i < base+SectorSize; i++ {
			s.mem[i] = 0xFF
			s.erased[i] = true
		}
		s.ops = append(s.ops, Op{Kind: OpErase, Addr: base, Len: SectorSize})
		s.busy = s.BusyPolls
	case cmdPageProgram:
		if len(w) < 5 {
			return errors.New("flash-sim: program command without data")
		}
		if !s.latch(cmd) {
			return nil
		}
		addr := s.addr(w[1:4])
		data := w[4:]
		if len(data) > PageSize {
			s.fault("program of %d bytes at 0x%06X exceeds a page", len(data), addr)
		}
		page := addr &^ (PageSize - 1)
		if int(addr-page)+len(data) > PageSize {
			s.fault("program [0x%06X,0x%06X) crosses a page boundary", addr, int(addr)+len(data))
		}
		off := addr - page
		for _, b := range data {
			i := page + off
			if !s.erased[i] {
				s.fault("program over unerased byte 0x%06X", i)
			}
			s.mem[i] &= b
			s.erased[i] = false
			off = (off + 1) % PageSize
		}
		s.ops = append(s.ops, Op{Kind: OpProgram, Addr: addr, Len: len(data)})
		s.busy = s.BusyPolls
	default:
		return errors.Errorf("flash-sim: unsupported opcode 0x%02X", cmd)
	}
	return nil
}

func (s *Sim) status() byte {
	var sr byte
	if s.wel {
		sr |= statusWEL
	}
	if s.stuck {
		return sr | statusBusy
	}
	if s.busy > 0 {
		s.busy--
		sr |= statusBusy
	}
	return sr
}

// latch consumes the write enable latch, recording a fault when it was not
// set.
func (s *Sim) latch(cmd byte) bool {
	if !s.wel {
		s.fault("command 0x%02X without write enable", cmd)
		return false
	}
	s.wel = false
	return true
}

func (s *Sim) addr(b []byte) uint32 {
	a := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return a % uint32(len(s.mem))
}

func (s *Sim) fault(format string, args ...any) {
	s.faults = append(s.faults, fmt.Sprintf(format, args...))
}

// SetStuck makes the part report busy forever, like a wedged or absent chip
// with MISO pulled high.
func (s *Sim) SetStuck(stuck bool) { s.stuck = stuck }

// Ops returns the erases and programs accepted so far.
func (s *Sim) Ops() []Op { return append([]Op(nil), s.ops...) }

// Faults returns every protocol violation seen so far.
func (s *Sim) Faults() []string { return append([]string(nil), s.faults...) }

// ClearOps forgets recorded operations and faults, keeping memory.
func (s *Sim) ClearOps() {
	s.ops = nil
	s.faults = nil
}

// Bytes returns a copy of n bytes of memory from addr.
func (s *Sim) Bytes(addr uint32, n int) []byte {
	return append([]byte(nil), s.mem[addr:int(addr)+n]...)
}
