package sysprofile

import (
	"context"
	"os/exec"
	"strings"

	"modelctl/pkg/types"
)

// ProbeGit checks for the version-control binary and its large-file
// extension via `--version`-style invocations. Absence never raises; the
// returned GitInfo simply reports what responded.
func ProbeGit(ctx context.Context, gitBin string) types.GitInfo {
	var info types.GitInfo

	out, err := exec.CommandContext(ctx, gitBin, "--version").Output()
	if err != nil {
		return info
	}
	info.GitAvailable = true
	info.GitVersion = parseGitVersion(string(out))

	lfsOut, err := exec.CommandContext(ctx, gitBin, "lfs", "version").Output()
	if err != nil {
		return info
	}
	info.LFSAvailable = true
	info.LFSVersion = parseLFSVersion(string(lfsOut))
	return info
}

// parseGitVersion extracts "2.42.0" from "git version 2.42.0.windows.1".
func parseGitVersion(out string) string {
	s := strings.TrimSpace(out)
	idx := strings.Index(s, "version")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(s[idx+len("version"):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseLFSVersion extracts "3.4.0" from "git-lfs/3.4.0 (GitHub; linux amd64; go 1.21.1)".
func parseLFSVersion(out string) string {
	s := strings.TrimSpace(out)
	idx := strings.Index(s, "/")
	if idx < 0 || idx+1 >= len(s) {
		return ""
	}
	fields := strings.Fields(s[idx+1:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
