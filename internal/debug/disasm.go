package debug

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DisassembleFault decodes the instruction at a faulting RIP from a
// snippet of guest memory, for MMIO-exit diagnostics. code holds the
// bytes starting at rip; 15 bytes covers any x86 instruction.
func DisassembleFault(code []byte, rip uint64) (string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", fmt.Errorf("debug: decode instruction at %#x: %w", rip, err)
	}
	return fmt.Sprintf("%#x: %s", rip, x86asm.GNUSyntax(inst, rip, nil)), nil
}
