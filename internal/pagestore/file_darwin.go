//go:build darwin

package pagestore

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func mmapRegion(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, prot, flags)
}

func munmapRegion(data []byte) error {
	return syscall.Munmap(data)
}

func fallocateRegion(fd uintptr, offset int64, length int64) error {
	// Darwin has no fallocate(2); growing the mmap region is enough
	// to reserve the address space, matching the teacher's approach.
	_, err := unix.Mmap(int(fd), 0, int(offset+length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	return err
}

func pwriteRegion(fd uintptr, data []byte, offset int64) (int, error) {
	return syscall.Pwrite(int(fd), data, offset)
}
