package carabiner

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// minDaemonVersion is the oldest Carabiner release whose protocol carries
// everything the engine relies on (version reporting, start/stop sync).
const minDaemonVersion = "1.1.0"

// versionAtLeast compares dotted version strings numerically, component by
// component. Unparseable components count as zero.
func versionAtLeast(version, minimum string) bool {
	vp := strings.Split(version, ".")
	mp := strings.Split(minimum, ".")
	for i := 0; i < len(vp) || i < len(mp); i++ {
		var v, m int
		if i < len(vp) {
			v, _ = strconv.Atoi(strings.TrimSpace(vp[i]))
		}
		if i < len(mp) {
			m, _ = strconv.Atoi(strings.TrimSpace(mp[i]))
		}
		if v != m {
			return v > m
		}
	}
	return true
}

// handleVersion checks the version the daemon reports. An outdated daemon
// is not fatal — the engine keeps operating on a best-effort basis — but
// version listeners are warned so the problem can be surfaced to the user.
func (e *Engine) handleVersion(version string) {
	log.Printf("[link] Carabiner daemon reports version %s", version)
	if !versionAtLeast(version, minDaemonVersion) {
		e.notifyBadVersion(fmt.Sprintf(
			"Carabiner daemon version %s is older than %s; some features will not work. Please upgrade.",
			version, minDaemonVersion))
	}
}

// handleUnsupported reacts to the daemon rejecting a command. A daemon that
// does not even understand the version command predates version reporting
// entirely, which is worth a warning of its own.
func (e *Engine) handleUnsupported(command string) {
	if command == "version" {
		e.notifyBadVersion(fmt.Sprintf(
			"Carabiner daemon is too old to report its version; %s or later is required for full functionality. Please upgrade.",
			minDaemonVersion))
		return
	}
	log.Printf("[link] Carabiner daemon does not support %q", command)
}
