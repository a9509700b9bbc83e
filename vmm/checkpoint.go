// Checkpoint-timer support for VM: a periodic quiesce-dump-resume loop
// grounded on the teacher's signal-driven snapshot trigger
// (vmm/migrate.go's control-socket dispatch reused here for a timer
// instead of a control message) and wired onto checkpoint.Store.
package vmm

import (
	"fmt"
	"time"

	"github.com/go-uhyve/uhyve/checkpoint"
	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/vcpu"
)

// checkpointDir is where chk{N}_*.dat and chk_config.txt land. spec's
// scenarios describe "a directory" without naming one, so this mirrors the
// teacher's convention of writing artifacts next to the working directory
// rather than inventing an env var no example names.
const checkpointDir = "."

// RunCheckpointTimer blocks, taking a checkpoint every interval seconds
// until stop is closed. A zero or negative interval means checkpointing is
// disabled and this returns immediately. The first round is always full;
// every later round honors cfg.FullCheckpoint.
func (v *VM) RunCheckpointTimer(stop <-chan struct{}) error {
	if v.cfg.CheckpointInterval <= 0 {
		return nil
	}

	store, err := checkpoint.New(checkpointDir)
	if err != nil {
		return err
	}

	v.checkpoints = store

	ticker := time.NewTicker(time.Duration(v.cfg.CheckpointInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := v.takeCheckpoint(); err != nil {
				return err
			}
		}
	}
}

// takeCheckpoint quiesces every vCPU, dumps round v.checkpointNum to
// v.checkpoints, resumes, and advances the round counter.
func (v *VM) takeCheckpoint() error {
	v.quiesce()
	defer v.resume()

	states := make([]vcpu.State, len(v.cpus))

	for i, c := range v.cpus {
		s, err := vcpu.Save(c)
		if err != nil {
			return fmt.Errorf("save vcpu%d for checkpoint: %w", i, err)
		}

		states[i] = *s
	}

	clock, err := kvmapi.GetClock(v.vmFd)
	if err != nil {
		return fmt.Errorf("%w: GetClock for checkpoint: %w", errkind.ErrKernelIfaceError, err)
	}

	full := v.cfg.FullCheckpoint || v.checkpointNum == 0

	if err := v.checkpoints.Save(v.checkpointNum, states, v.mem, v.scanner, v.pml4Base, clock, full, v.entryPoint, v.imagePath); err != nil {
		return fmt.Errorf("save checkpoint %d: %w", v.checkpointNum, err)
	}

	v.checkpointNum++

	return nil
}

// RestoreCheckpoint replays dir's checkpoint chain onto v's memory and every
// vCPU, and primes the checkpoint counter so a subsequent RunCheckpointTimer
// continues the chain rather than restarting it at chk0.
func (v *VM) RestoreCheckpoint(dir string) error {
	states, clock, err := checkpoint.Restore(dir, v.mem)
	if err != nil {
		return err
	}

	if len(states) != len(v.cpus) {
		return fmt.Errorf("%w: checkpoint has %d cores, VM has %d", errkind.ErrProtocolViolation, len(states), len(v.cpus))
	}

	for i, c := range v.cpus {
		if err := vcpu.Restore(c, &states[i]); err != nil {
			return fmt.Errorf("restore vcpu%d from checkpoint: %w", i, err)
		}
	}

	if err := kvmapi.SetClock(v.vmFd, clock); err != nil {
		return fmt.Errorf("%w: SetClock from checkpoint: %w", errkind.ErrKernelIfaceError, err)
	}

	m, err := checkpoint.ReadManifest(dir)
	if err != nil {
		return err
	}

	v.checkpointNum = m.Number + 1
	v.entryPoint = m.EntryPoint
	v.pml4Base = m.EntryPoint + vcpu.PageTableOffset
	v.imagePath = m.AppPath

	return nil
}
