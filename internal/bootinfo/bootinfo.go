// Package bootinfo describes the boot handoff structure nexke receives
// from the bootloader, the external-interfaces boundary of the kernel
// core. All of its fields are producer-defined and copied at boot; nexke
// never serializes anything back out.
package bootinfo

// MemType classifies one entry of the boot memory map.
type MemType int

const (
	MemFree MemType = iota
	MemReserved
	MemAcpiReclaim
	MemAcpiNvs
	MemBootReclaim
)

func (t MemType) String() string {
	switch t {
	case MemFree:
		return "free"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaim:
		return "acpi-reclaim"
	case MemAcpiNvs:
		return "acpi-nvs"
	case MemBootReclaim:
		return "boot-reclaim"
	default:
		return "unknown"
	}
}

// MemRegion is one [base, base+length) run of physical memory, tagged
// with its producer-reported purpose.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   MemType
}

// End returns the exclusive end address of the region.
func (m MemRegion) End() uint64 { return m.Base + m.Length }

// Module describes one module image (initrd, symbol table, ...) the
// bootloader loaded alongside the kernel.
type Module struct {
	Name   string
	Base   uint64
	Length uint64
}

// PixelMask describes one colour channel's bit layout in a framebuffer.
type PixelMask struct {
	Size   uint8
	Shift  uint8
}

// Framebuffer describes an optional linear framebuffer the bootloader set
// up. The kernel core never draws to it; it is carried through so a
// higher-level console driver (out of scope here) can.
type Framebuffer struct {
	Width          uint32
	Height         uint32
	BytesPerLine   uint32
	BPP            uint8
	BytesPerPixel  uint8
	Size           uint64
	PixelMasks     []PixelMask
	FrontBufferPhys uint64
}

// Firmware identifies which firmware interface produced the boot handoff.
type Firmware int

const (
	FirmwareUnknown Firmware = iota
	FirmwareBIOS
	FirmwareEFI
)

// Info is the boot handoff structure, assembled by the bootloader and
// passed by value (conceptually; in a hosted build, by pointer to a
// read-only struct) to the kernel entry point.
type Info struct {
	SystemID   string
	Firmware   Firmware
	EarlyLog   []byte
	MemoryMap  []MemRegion
	Modules    []Module
	EarlyPool  EarlyPool
	CmdLine    string
	Framebuffer *Framebuffer
}

// EarlyPool describes the fixed statically-reserved region the slab
// allocator bootstraps from before the page frame allocator is fully
// initialized.
type EarlyPool struct {
	Base uintptr
	Size uintptr
}

// TotalFree sums the length of every Free region in the memory map, the
// quantity the page frame allocator consumes to size its zones.
func (i *Info) TotalFree() uint64 {
	var total uint64
	for _, r := range i.MemoryMap {
		if r.Type == MemFree {
			total += r.Length
		}
	}
	return total
}
