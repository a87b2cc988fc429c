//go:build windows

package main

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func spawnSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func shellCommand() (string, string) {
	return "cmd", "/C"
}

func pidAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// terminateTree stops pid and its descendants. taskkill /T walks the tree
// for us: first without /F for a polite shutdown, then with /F after the
// grace period for stragglers.
func terminateTree(log *SessionLogger, pid int, grace time.Duration) {
	exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Warnf("force killing pid %d", pid)
	exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}

// KillListenersOnPort force-kills any process still listening on port,
// located via netstat. Best-effort.
func KillListenersOnPort(log *SessionLogger, port int) {
	out, err := exec.Command("netstat", "-ano", "-p", "TCP").Output()
	if err != nil {
		return
	}

	suffix := ":" + strconv.Itoa(port)
	self := os.Getpid()
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// Proto Local Foreign State PID
		if len(fields) < 5 || fields[3] != "LISTENING" {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid == self || pid == 0 {
			continue
		}
		log.Printf("Killing leftover process %d on port %d\n", pid, port)
		exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/F").Run()
	}
}
