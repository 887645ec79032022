//go:build windows

package pagestore

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapRegion(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	h, err := windows.CreateFileMapping(windows.Handle(fd), nil, windows.PAGE_READWRITE, 0, uint32(offset+int64(length)), nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, uint32(offset>>32), uint32(offset), uintptr(length))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func munmapRegion(data []byte) error {
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}

func fallocateRegion(fd uintptr, offset int64, length int64) error {
	return windows.Ftruncate(windows.Handle(fd), offset+length)
}

func pwriteRegion(fd uintptr, data []byte, offset int64) (int, error) {
	var n uint32
	ov := windows.Overlapped{Offset: uint32(offset), OffsetHigh: uint32(offset >> 32)}
	err := windows.WriteFile(windows.Handle(fd), data, &n, &ov)
	return int(n), err
}
