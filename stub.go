package main

import (
	"os"

	"github.com/veighnsche/LevitateOS-sub003/kernel/cpu"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kmain"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/physmem"
)

// main boots the kernel on the default machine with an mmap-backed arena
// standing in for RAM. Kmain does not return; it halts the CPU, which the
// hosted cpu package reports by panicking with cpu.ErrHalted.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	info := kmain.DefaultBootInfo()
	arena, err := physmem.New(kmain.DefaultRAMBase, kmain.DefaultRAMSize)
	if err != nil {
		kfmt.Printf("[main] %s\n", err.Error())
		os.Exit(1)
	}
	info.Memory = arena

	defer func() {
		if r := recover(); r != nil && r != cpu.ErrHalted {
			panic(r)
		}
	}()

	kmain.Kmain(&info)
}
