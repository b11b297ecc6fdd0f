package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is a point-in-time, human-inspectable export of the Store's
// jobs, agents, and pending and active batches; finished batches and the
// audit log are not included. It exists for the crash-recovery test harness (P8) and for
// operators debugging a stuck batch; it is never read back into the
// Store, so it carries no optimistic-concurrency semantics of its own.
type Snapshot struct {
	TakenAt  time.Time `yaml:"taken_at"`
	Jobs     []SnapshotJob `yaml:"jobs"`
	Batches  []SnapshotBatch `yaml:"batches"`
	Agents   []SnapshotAgent `yaml:"agents"`
	Checksum string `yaml:"-"`
}

type SnapshotJob struct {
	JobID string `yaml:"job_id"`
	State string `yaml:"state"`
}

type SnapshotBatch struct {
	BatchID string `yaml:"batch_id"`
	State   string `yaml:"state"`
}

type SnapshotAgent struct {
	AgentID string `yaml:"agent_id"`
	Status  string `yaml:"status"`
}

// WriteSnapshot serializes a fresh export of the store to path, using the
// same write-to-temp-then-rename sequence the teacher's state manager
// used for its single YAML state file, plus a SHA256 checksum sidecar so
// a reader can tell a snapshot was not truncated mid-write.
func WriteSnapshot(ctx context.Context, s Store, path string) error {
	snap, err := buildSnapshot(ctx, s)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: rename snapshot: %w", err)
	}

	sum := sha256.Sum256(data)
	checksumPath := path + ".sha256"
	if err := os.WriteFile(checksumPath, []byte(hex.EncodeToString(sum[:])), 0644); err != nil {
		return fmt.Errorf("store: write snapshot checksum: %w", err)
	}
	return nil
}

// VerifySnapshot re-hashes path and compares it against its .sha256
// sidecar, confirming the export was not corrupted in place.
func VerifySnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}
	want, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return fmt.Errorf("store: read snapshot checksum: %w", err)
	}
	got := sha256.Sum256(data)
	if hex.EncodeToString(got[:]) != string(want) {
		return fmt.Errorf("store: snapshot checksum mismatch for %s", filepath.Base(path))
	}
	return nil
}

func buildSnapshot(ctx context.Context, s Store) (*Snapshot, error) {
	jobs, err := s.ListJobs(ctx, JobFilter{})
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.ListPendingBatches(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{TakenAt: time.Now()}
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, SnapshotJob{JobID: j.JobID, State: string(j.State)})
	}
	for _, b := range append(pending, active...) {
		snap.Batches = append(snap.Batches, SnapshotBatch{BatchID: b.BatchID, State: string(b.State)})
	}
	for _, a := range agents {
		snap.Agents = append(snap.Agents, SnapshotAgent{AgentID: a.AgentID, Status: string(a.Status)})
	}
	return snap, nil
}
