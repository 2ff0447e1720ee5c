package transport

import "unsafe"

func alignOffset(buf []byte, a int) int {
	if len(buf) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	mask := uintptr(a - 1)
	return int((uintptr(a) - addr&mask) & mask)
}
