//go:build !windows

package main

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// spawnSysProcAttr puts the child in its own process group so signals can be
// delivered to the whole group as a backstop.
func spawnSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// shellCommand returns the platform shell used to run service commands.
func shellCommand() (string, string) {
	return "sh", "-c"
}

// listDescendants enumerates all transitive children of pid via pgrep.
// Best-effort: a missing pgrep or a racing exit just yields fewer PIDs; the
// process-group kill and the port sweep cover the gap.
func listDescendants(pid int) []int {
	var all []int
	frontier := []int{pid}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		out, err := exec.Command("pgrep", "-P", strconv.Itoa(next)).Output()
		if err != nil {
			continue // no children, or pgrep unavailable
		}
		for _, field := range strings.Fields(string(out)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			all = append(all, child)
			frontier = append(frontier, child)
		}
	}

	return all
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// terminateTree stops pid and all of its descendants: SIGTERM to every
// descendant first, then the parent (plus the whole process group), a grace
// wait for voluntary exit, then SIGKILL for anything still alive. All signal
// errors (process already gone) are swallowed.
func terminateTree(log *SessionLogger, pid int, grace time.Duration) {
	descendants := listDescendants(pid)

	for _, child := range descendants {
		syscall.Kill(child, syscall.SIGTERM)
	}
	syscall.Kill(pid, syscall.SIGTERM)
	// Group signal catches children that detached between enumeration and
	// delivery.
	syscall.Kill(-pid, syscall.SIGTERM)

	tracked := append(descendants, pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(tracked) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range tracked {
		if pidAlive(p) {
			log.Warnf("force killing pid %d", p)
			syscall.Kill(p, syscall.SIGKILL)
		}
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if pidAlive(p) {
			return true
		}
	}
	return false
}

// KillListenersOnPort force-kills any process still holding a listening
// socket on port. This defends against supervision gaps: PID reuse, or
// processes that detached from the tracked tree. Best-effort and silent when
// nothing is listening.
func KillListenersOnPort(log *SessionLogger, port int) {
	out, err := exec.Command("lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		return // nothing listening, or lsof unavailable
	}

	self := os.Getpid()
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid == self {
			continue
		}
		log.Printf("Killing leftover process %d on port %d\n", pid, port)
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
