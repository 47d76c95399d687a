// Command chentry rewrites the entry address of an ELF executable, the
// same post-link step the kernel's build needs to relocate its own
// entry point after the bootloader stage is linked in.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func chkELF(eh *elf.FileHeader) error {
	if eh.Ident[0] != 0x7f || string(eh.Ident[1:4]) != "ELF" {
		return fmt.Errorf("chentry: not an elf")
	}
	if eh.Ident[elf.EI_DATA] != elf.ELFDATA2LSB {
		return fmt.Errorf("chentry: not little-endian")
	}
	if eh.Type != elf.ET_EXEC {
		return fmt.Errorf("chentry: not an executable elf")
	}
	if eh.Machine != elf.EM_X86_64 {
		return fmt.Errorf("chentry: not a 64 bit elf")
	}
	return nil
}

func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("chentry: invalid address %q", s)
	}
	return a, nil
}

func runChentry(fn string, addrStr string) error {
	addr, err := parseAddr(addrStr)
	if err != nil {
		return err
	}
	if addr>>32 != 0 {
		return fmt.Errorf("chentry: entry is a 64bit pointer, bootloader won't load it")
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return err
	}
	if err := chkELF(&ef.FileHeader); err != nil {
		return err
	}

	fmt.Printf("using address 0x%x\n", addr)
	ef.FileHeader.Entry = addr

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, &ef.FileHeader)
}

func main() {
	cmd := &cobra.Command{
		Use:   "chentry <filename> <addr>",
		Short: "Change the ELF entry point of filename to addr",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChentry(args[0], args[1])
		},
		SilenceUsage: true,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
