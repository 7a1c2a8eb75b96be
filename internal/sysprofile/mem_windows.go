//go:build windows

package sysprofile

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ramTotalMB uses the native memory-status API.
func ramTotalMB() (int, bool) {
	var stat windows.MemoryStatusEx
	stat.Length = uint32(unsafe.Sizeof(stat))
	if err := windows.GlobalMemoryStatusEx(&stat); err != nil {
		return 0, false
	}
	return int(stat.TotalPhys / (1024 * 1024)), true
}

func osVersion() string {
	major, minor, build := windows.RtlGetNtVersionNumbers()
	return fmt.Sprintf("%d.%d.%d", major, minor, build)
}
