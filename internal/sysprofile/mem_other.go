//go:build !linux && !windows

package sysprofile

import (
	"os/exec"
	"strconv"
	"strings"
)

// ramTotalMB shells out to sysctl on BSD-like hosts (including darwin).
func ramTotalMB() (int, bool) {
	out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0, false
	}
	b, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil || b <= 0 {
		return 0, false
	}
	return int(b / (1024 * 1024)), true
}

func osVersion() string {
	out, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
