package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// InstanceRecord marks a sandbox as owned by a live sidestage process. It is
// written when the backend spawns and removed on Stop, so `sidestage clean`
// can tell live instances from orphans left behind by crashed runs.
type InstanceRecord struct {
	InstanceID string         `json:"instanceId"`
	OwnerPID   int            `json:"ownerPid"`
	BackendPID int            `json:"backendPid"`
	Ports      PortAssignment `json:"ports"`
	StartedAt  time.Time      `json:"startedAt"`
}

const instanceRecordName = "instance.json"

// maxRecordAge guards against PID reuse: a record older than this is treated
// as stale even if some process answers to its owner PID.
const maxRecordAge = 24 * time.Hour

// WriteInstanceRecord creates the ownership record in instanceDir. Creation
// is atomic (O_CREATE|O_EXCL); a leftover record from a previous run of the
// same ID is replaced, since Materialize already wiped the sandbox.
func WriteInstanceRecord(instanceDir, instanceID string, ports PortAssignment, backendPID int) error {
	path := filepath.Join(instanceDir, instanceRecordName)

	if existing, err := readInstanceRecord(instanceDir); err == nil {
		if !recordStale(existing) && existing.OwnerPID != os.Getpid() {
			return fmt.Errorf("instance %s already owned by PID %d (started %s)",
				instanceID, existing.OwnerPID, existing.StartedAt.Format(time.RFC3339))
		}
		os.Remove(path)
	}

	record := InstanceRecord{
		InstanceID: instanceID,
		OwnerPID:   os.Getpid(),
		BackendPID: backendPID,
		Ports:      ports,
		StartedAt:  time.Now(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create instance record: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write instance record: %w", err)
	}

	return nil
}

// RemoveInstanceRecord deletes the record if this process owns it.
func RemoveInstanceRecord(instanceDir string) {
	record, err := readInstanceRecord(instanceDir)
	if err != nil {
		return
	}
	if record.OwnerPID != os.Getpid() && !recordStale(record) {
		return
	}
	os.Remove(filepath.Join(instanceDir, instanceRecordName))
}

func readInstanceRecord(instanceDir string) (*InstanceRecord, error) {
	data, err := os.ReadFile(filepath.Join(instanceDir, instanceRecordName))
	if err != nil {
		return nil, err
	}

	var record InstanceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// recordStale returns true if the record's owner is dead or the record is
// old enough that its PID may have been reused.
func recordStale(record *InstanceRecord) bool {
	if !pidAlive(record.OwnerPID) {
		return true
	}
	return time.Since(record.StartedAt) > maxRecordAge
}

// InstanceStatus describes one sandbox found under temp-instances/.
type InstanceStatus struct {
	InstanceID string
	Dir        string
	Ports      PortAssignment
	Owned      bool // a live sidestage process owns this instance
	Record     *InstanceRecord
}

// ListInstances enumerates all sandboxes in the workspace.
func ListInstances(workspace string) []InstanceStatus {
	root := filepath.Join(workspace, "temp-instances")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var statuses []InstanceStatus
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		status := InstanceStatus{
			InstanceID: id,
			Dir:        filepath.Join(root, id),
			Ports:      AllocatePorts(id),
		}
		if record, err := readInstanceRecord(status.Dir); err == nil {
			status.Record = record
			status.Owned = !recordStale(record)
			status.Ports = record.Ports
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// CleanAllInstances removes every orphaned sandbox in the workspace: stop
// whatever still listens on the instance's ports, then delete the directory.
// Instances owned by a live process are skipped unless force is set.
func CleanAllInstances(log *SessionLogger, workspace string, force bool) int {
	cleaned := 0
	for _, status := range ListInstances(workspace) {
		if status.Owned && !force {
			log.Printf("Skipping %s (owned by PID %d, use --force to override)\n",
				status.InstanceID, status.Record.OwnerPID)
			continue
		}

		log.Printf("Cleaning up instance %s...\n", status.InstanceID)
		for _, port := range []int{status.Ports.WebPort, status.Ports.APIPort, status.Ports.FrontendDevPort} {
			KillListenersOnPort(log, port)
		}
		if err := os.RemoveAll(status.Dir); err != nil {
			log.Warnf("failed to remove %s: %v", status.Dir, err)
			continue
		}
		cleaned++
	}
	return cleaned
}
