package flash

import (
	"fmt"
	"strings"
)

// Geometry shared by the common 3.3 V SPI NOR parts.
const (
	PageSize   = 256
	SectorSize = 4096

	// MaxAddress is the last byte reachable with a 3-byte address.
	MaxAddress = 1<<24 - 1
)

// JEDEC opcodes.
const (
	cmdWriteEnable  byte = 0x06
	cmdWriteDisable byte = 0x04
	cmdReadStatus   byte = 0x05
	cmdPageProgram  byte = 0x02
	cmdSectorErase  byte = 0x20 // 4 KiB
	cmdReadID       byte = 0x9F
	cmdRead         byte = 0x03
)

// Status register bits.
const (
	statusBusy byte = 1 << 0
	statusWEL  byte = 1 << 1
)

// ID is the 3-byte JEDEC identification: manufacturer, memory type, capacity.
type ID [3]byte

var (
	W25Q16    = ID{0xEF, 0x40, 0x15}
	W25Q32    = ID{0xEF, 0x40, 0x16}
	W25Q64    = ID{0xEF, 0x40, 0x17}
	W25Q128   = ID{0xEF, 0x40, 0x18}
	N25Q032   = ID{0x20, 0xBA, 0x16}
	MX25L128  = ID{0xC2, 0x20, 0x18}
	GD25Q64   = ID{0xC8, 0x40, 0x17}
	AT25SF041 = ID{0x1F, 0x84, 0x01}
)

var knownParts = map[ID]string{
	W25Q16:    "Winbond W25Q16JV",
	W25Q32:    "Winbond W25Q32JV",
	W25Q64:    "Winbond W25Q64JV",
	W25Q128:   "Winbond W25Q128JV",
	N25Q032:   "Micron N25Q032",
	MX25L128:  "Macronix MX25L12835F",
	GD25Q64:   "GigaDevice GD25Q64C",
	AT25SF041: "Adesto AT25SF041",
}

var partsByName = map[string]ID{
	"W25Q16":    W25Q16,
	"W25Q32":    W25Q32,
	"W25Q64":    W25Q64,
	"W25Q128":   W25Q128,
	"N25Q032":   N25Q032,
	"MX25L128":  MX25L128,
	"GD25Q64":   GD25Q64,
	"AT25SF041": AT25SF041,
}

// LookupPart returns the ID of a part by its short name, e.g. "W25Q16".
func LookupPart(name string) (ID, bool) {
	id, ok := partsByName[strings.ToUpper(name)]
	return id, ok
}

// Name returns the part name, or "" for an unknown ID.
func (id ID) Name() string {
	return knownParts[id]
}

// Capacity decodes the density byte as log2(bytes). Parts that do not follow
// that convention, or claim more than the 3-byte address space, report 0.
func (id ID) Capacity() uint32 {
	if id[2] < 0x10 || id[2] > 0x18 {
		return 0
	}
	return 1 << id[2]
}

func (id ID) String() string {
	s := fmt.Sprintf("%02X %02X %02X", id[0], id[1], id[2])
	if name := id.Name(); name != "" {
		s += " (" + name + ")"
	}
	return s
}
