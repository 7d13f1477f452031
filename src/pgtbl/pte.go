package pgtbl

// PTE is a single 64-bit page-table entry: presence, protection flags and
// a physical frame number, or a table descriptor pointing at a child node.
//
// Bit layout (SPEC §6): 0 present, 1 writable, 2 user, 3 PWT, 4 PCD,
// 5 accessed, 6 dirty, 7 PS (block/large-page), 8 global, 12..M frame,
// 63 NX.
type PTE uint64

const (
	pteP    PTE = 1 << 0
	pteW    PTE = 1 << 1
	pteU    PTE = 1 << 2
	ptePWT  PTE = 1 << 3
	ptePCD  PTE = 1 << 4
	pteA    PTE = 1 << 5
	pteD    PTE = 1 << 6
	ptePS   PTE = 1 << 7
	pteG    PTE = 1 << 8
	pteNX   PTE = 1 << 63
	pteAddr PTE = 0x000ffffffffff000 // bits 12..51

	// protMask is the subset of bits update_map_flags is allowed to
	// rewrite: present, writable, user, PCD, NX. Frame, accessed,
	// dirty, PS and global survive a flags update untouched -- this
	// resolves the "which bits does update_pte_flags touch" open
	// question in SPEC §9 by restricting the overwrite to protection
	// bits only, never the frame number.
	protMask PTE = pteP | pteW | pteU | ptePCD | pteNX
)

// Present reports whether the entry is installed.
func (p PTE) Present() bool { return p&pteP != 0 }

// IsBlock reports whether p is a large-page leaf at a non-final level.
func (p PTE) IsBlock() bool { return p&ptePS != 0 }

// Addr returns the physical frame or child-node address encoded in p.
func (p PTE) Addr() PhysAddr { return PhysAddr(p & pteAddr) }

// Flags decodes the protection flags encoded in p.
func (p PTE) Flags() Flags {
	return Flags{
		Writable:  p&pteW != 0,
		User:      p&pteU != 0,
		NoExecute: p&pteNX != 0,
		Uncached:  p&ptePCD != 0,
	}
}

// bits renders f into its PTE protection-bit encoding.
func (f Flags) bits() PTE {
	var p PTE
	if f.Writable {
		p |= pteW
	}
	if f.User {
		p |= pteU
	}
	if f.NoExecute {
		p |= pteNX
	}
	if f.Uncached {
		p |= ptePCD
	}
	return p
}

// isMapping reports whether the entry at level is a leaf/block mapping
// rather than a table descriptor. Every level other than the final leaf
// level additionally requires the PS bit to be a mapping; the leaf level
// is always a mapping when present.
func isMapping(level int, p PTE) bool {
	if !p.Present() {
		return false
	}
	if level == leafLevel {
		return true
	}
	return p.IsBlock()
}

// leafPTE builds a present, non-block leaf entry for frame at the final
// level.
func leafPTE(frame PhysAddr, f Flags) PTE {
	return PTE(frame)&pteAddr | f.bits() | pteP | pteA
}

// blockPTE builds a present, large-page leaf entry at an intermediate
// level.
func blockPTE(frame PhysAddr, f Flags) PTE {
	return PTE(frame)&pteAddr | f.bits() | pteP | pteA | ptePS
}

// tableDescriptor builds a present table descriptor pointing at child,
// with write/user conservatively set (the AND of all levels' flags is
// computed lazily by OR-ing every level that installs a descriptor, so a
// child mapping's own flags always remain the authority for the leaf).
func tableDescriptor(child PhysAddr) PTE {
	return PTE(child)&pteAddr | pteP | pteW | pteU
}

// updateProtection rewrites only the protection-bit subset of p, leaving
// the frame number, accessed/dirty/global/PS bits untouched.
func updateProtection(p PTE, f Flags) PTE {
	return (p &^ protMask) | (f.bits() | pteP)
}
