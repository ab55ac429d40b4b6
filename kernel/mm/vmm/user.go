package vmm

import (
	"encoding/binary"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

var (
	// allocFrameFn and freeFrameFn are mocked by tests.
	allocFrameFn = mm.AllocFrame
	freeFrameFn  = mm.FreeFrame

	errFrameOutsideRAM = &kernel.Error{Module: "vmm", Message: "user frame is not backed by RAM"}
)

const (
	wordSize       = 8
	stackAlignment = 16
)

// SetupUserStack allocates pages zeroed frames and maps them read/write for
// EL0 directly below mm.UserStackTop. It returns the initial stack pointer.
// On failure the pages mapped by the call are unmapped and their frames
// released; mappings that existed before the call are left untouched.
func (m *Manager) SetupUserStack(as *AddressSpace, pages int) (uintptr, *kernel.Error) {
	if as.kind != spaceUser {
		return 0, errNotUserSpace
	}
	if pages <= 0 || uintptr(pages)*mm.PageSize > mm.UserStackTop {
		return 0, ErrInvalidVirtualAddress
	}

	bottom := mm.PageFromAddress(mm.UserStackTop - uintptr(pages)*mm.PageSize)
	mapped := make([]mm.Page, 0, pages)
	for page := bottom; page < bottom+mm.Page(pages); page++ {
		if err := m.mapZeroedPage(as, page, PermRead|PermWrite|PermUser); err != nil {
			for _, p := range mapped {
				m.releaseUserPage(as, p)
			}
			return 0, err
		}
		mapped = append(mapped, page)
	}

	return mm.UserStackTop, nil
}

// SetupStackArgs copies args and envs onto the user stack that ends at
// stackTop and returns the new stack pointer. The stack pointer is 16-byte
// aligned and addresses argc, followed by the NULL terminated argv and envp
// pointer arrays. The strings themselves are stored above the arrays.
func (m *Manager) SetupStackArgs(as *AddressSpace, stackTop uintptr, args, envs []string) (uintptr, *kernel.Error) {
	if as.kind != spaceUser {
		return 0, errNotUserSpace
	}
	if stackTop > mm.UserSpaceEnd {
		return 0, ErrInvalidVirtualAddress
	}

	var (
		sp      = stackTop
		envPtrs = make([]uintptr, len(envs))
		argPtrs = make([]uintptr, len(args))
		err     *kernel.Error
	)

	for i := len(envs) - 1; i >= 0; i-- {
		if sp, err = m.pushString(as, sp, envs[i]); err != nil {
			return 0, err
		}
		envPtrs[i] = sp
	}
	for i := len(args) - 1; i >= 0; i-- {
		if sp, err = m.pushString(as, sp, args[i]); err != nil {
			return 0, err
		}
		argPtrs[i] = sp
	}

	// argc, argv[], NULL, envp[], NULL
	vector := make([]byte, 0, (len(args)+len(envs)+3)*wordSize)
	vector = binary.LittleEndian.AppendUint64(vector, uint64(len(args)))
	for _, ptr := range argPtrs {
		vector = binary.LittleEndian.AppendUint64(vector, uint64(ptr))
	}
	vector = binary.LittleEndian.AppendUint64(vector, 0)
	for _, ptr := range envPtrs {
		vector = binary.LittleEndian.AppendUint64(vector, uint64(ptr))
	}
	vector = binary.LittleEndian.AppendUint64(vector, 0)

	if uintptr(len(vector))+stackAlignment > sp {
		return 0, ErrInvalidVirtualAddress
	}
	sp = mm.AlignDown(sp-uintptr(len(vector)), stackAlignment)
	if err = m.copyToUser(as, sp, vector); err != nil {
		return 0, err
	}

	return sp, nil
}

// pushString stores s and a NUL terminator below sp at an 8-byte aligned
// address and returns that address.
func (m *Manager) pushString(as *AddressSpace, sp uintptr, s string) (uintptr, *kernel.Error) {
	n := uintptr(len(s)) + 1
	if n+wordSize > sp {
		return 0, ErrInvalidVirtualAddress
	}

	sp = mm.AlignDown(sp-n, wordSize)
	buf := make([]byte, n)
	copy(buf, s)
	return sp, m.copyToUser(as, sp, buf)
}

// copyToUser writes data at virtAddr in as through the linear map. Every
// page touched must be mapped writable for EL0.
func (m *Manager) copyToUser(as *AddressSpace, virtAddr uintptr, data []byte) *kernel.Error {
	for len(data) != 0 {
		physAddr, perm, err := m.translate(as, virtAddr)
		if err != nil {
			return err
		}
		if perm&(PermUser|PermWrite) != PermUser|PermWrite {
			return ErrPermissionDenied
		}

		n := mm.PageSize - virtAddr&(mm.PageSize-1)
		if n > uintptr(len(data)) {
			n = uintptr(len(data))
		}
		b := m.mem.Bytes(physAddr, n)
		if b == nil {
			return errFrameOutsideRAM
		}
		copy(b, data[:n])

		data = data[n:]
		virtAddr += n
	}
	return nil
}

// UserToKernel translates the user address virtAddr in as into the kernel
// linear-map address of the same byte.
func (m *Manager) UserToKernel(as *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	if as.kind != spaceUser {
		return 0, errNotUserSpace
	}

	physAddr, err := m.Translate(as, virtAddr)
	if err != nil {
		return 0, err
	}
	return mm.PhysToVirt(physAddr), nil
}

// MapUserHeapPage backs the page containing virtAddr with a zeroed frame
// mapped read/write for EL0. It is used to grow a process heap one page at a
// time.
func (m *Manager) MapUserHeapPage(as *AddressSpace, virtAddr uintptr) *kernel.Error {
	if as.kind != spaceUser {
		return errNotUserSpace
	}
	if virtAddr >= mm.UserSpaceEnd {
		return ErrInvalidVirtualAddress
	}
	return m.mapZeroedPage(as, mm.PageFromAddress(virtAddr), PermRead|PermWrite|PermUser)
}

// mapZeroedPage maps page to a newly allocated and zeroed frame. The frame
// is released again if the mapping cannot be established.
func (m *Manager) mapZeroedPage(as *AddressSpace, page mm.Page, perm Perm) *kernel.Error {
	frame, err := allocFrameFn()
	if err != nil {
		return err
	}

	if !mm.ZeroFrame(m.mem, frame) {
		err = errFrameOutsideRAM
	} else {
		_, err = m.MapRange(as, page.Address(), frame.Address(), mm.PageSize, perm, MapNoBlocks)
	}

	if err != nil {
		if freeErr := freeFrameFn(frame); freeErr != nil {
			panicFn(freeErr)
		}
		return err
	}
	return nil
}

// releaseUserPage undoes mapZeroedPage.
func (m *Manager) releaseUserPage(as *AddressSpace, page mm.Page) {
	physAddr, err := m.Translate(as, page.Address())
	if err == nil {
		err = m.Unmap(as, page.Address())
	}
	if err == nil {
		err = freeFrameFn(mm.FrameFromAddress(physAddr))
	}
	if err != nil {
		panicFn(err)
	}
}

// ValidateUserBuffer checks that every page of [virtAddr, virtAddr+length)
// is mapped in as with EL0 access and, if write is set, with write access.
func (m *Manager) ValidateUserBuffer(as *AddressSpace, virtAddr, length uintptr, write bool) *kernel.Error {
	if length == 0 {
		return nil
	}

	end := virtAddr + length
	if end < virtAddr || end > mm.UserSpaceEnd {
		return ErrInvalidVirtualAddress
	}

	required := PermRead | PermUser
	if write {
		required |= PermWrite
	}

	for page := mm.PageFromAddress(virtAddr); page.Address() < end; page++ {
		_, perm, err := m.translate(as, page.Address())
		if err != nil {
			return err
		}
		if perm&required != required {
			return ErrPermissionDenied
		}
	}

	return nil
}

// FreeLeafFrames is a LeafReleaser that returns the frames backing a torn
// down mapping to the frame allocator one frame at a time. It suits
// address spaces populated with frames obtained from mm.AllocFrame.
func FreeLeafFrames(_, physAddr, size uintptr) {
	first := mm.FrameFromAddress(physAddr)
	for i := uintptr(0); i < size>>mm.PageShift; i++ {
		if err := freeFrameFn(first + mm.Frame(i)); err != nil {
			panicFn(err)
			return
		}
	}
}
