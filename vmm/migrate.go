// Migration control-plane: a Unix-domain control socket accepting MIGRATE
// commands, and the TCP dial/listen glue around migration.RunSource and
// migration.RunDestination. Grounded on the teacher's vmm/migrate.go
// (controlSocketPath/StartControlSocket/handleControl/MigrateTo), replumbed
// onto migration.Target instead of threading every step through
// *machine.Machine directly.
package vmm

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-uhyve/uhyve/migration"
)

// controlSocketPath is the fixed per-process Unix socket the `migrate`
// control command dials into, independent of cfg.Port (which names the TCP
// port migration's memory/state transfer itself runs over).
func controlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/uhyve-%d.sock", pid)
}

// StartControlSocket listens on a per-process Unix socket for newline
// terminated control commands. Currently only "MIGRATE <addr>" is
// recognized, triggering MigrateTo(addr). The returned path is removed when
// the listener closes.
func (v *VM) StartControlSocket() (string, error) {
	path := controlSocketPath(os.Getpid())

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(conn)
		}
	}()

	return path, nil
}

func (v *VM) handleControl(conn net.Conn) {
	defer conn.Close()

	var buf strings.Builder

	tmp := make([]byte, 256)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}

		if err != nil || strings.Contains(buf.String(), "\n") {
			break
		}
	}

	line := strings.TrimSpace(buf.String())

	switch {
	case strings.HasPrefix(line, "MIGRATE "):
		addr := strings.TrimSpace(strings.TrimPrefix(line, "MIGRATE "))

		if err := v.MigrateTo(addr); err != nil {
			log.Printf("migration to %q failed: %v", addr, err)
			_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

			return
		}

		_, _ = conn.Write([]byte("OK\n"))
	default:
		_, _ = conn.Write([]byte("ERROR unknown command\n"))
	}
}

// target bundles v's own collaborators into the struct migration.RunSource
// and migration.RunDestination operate against.
func (v *VM) target() *migration.Target {
	return &migration.Target{
		VMFd:       v.vmFd,
		CPUs:       v.cpus,
		Mem:        v.mem,
		Scanner:    v.scanner,
		Barrier:    v.barrier,
		PML4Base:   v.pml4Base,
		EntryPoint: v.entryPoint,
	}
}

// MigrateTo dials addr (host:port) and drives the source side of a
// migration, using cfg.MigrationParams.Mode ("cold" for a single
// pause-and-copy transfer, anything else for a pre-copy live transfer).
// On success the source has already handed off the running guest and
// should exit; the caller decides what "exit" means (process exit for the
// standalone migrate trigger, or simply stopping the run loop).
func (v *VM) MigrateTo(addr string) error {
	log.Printf("migration: connecting to %s", addr)

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	mode := v.cfg.MigrationParams.Mode

	if err := migration.RunSource(conn, mode, v.checkpointNum, v.target()); err != nil {
		return err
	}

	log.Printf("migration: complete, destination is running")

	return nil
}

// Incoming listens on cfg.Port for one incoming migration and applies the
// transferred memory and vCPU/VM state onto v. Called before v.Boot(), so
// no quiesce dance against the barrier is needed here — no vCPU is running
// its loop yet for RunDestination's vcpu.Restore calls to race against. The
// caller calls v.Boot() next so the now-populated vCPUs actually resume
// execution — RunDestination only applies state, it does not drive the run
// loop.
func (v *VM) Incoming() error {
	addr := fmt.Sprintf(":%d", v.cfg.Port)

	log.Printf("migration: waiting for incoming connection on %s", addr)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	t := v.target()

	if err := migration.RunDestination(conn, t); err != nil {
		return err
	}

	v.entryPoint = t.EntryPoint
	v.pml4Base = t.PML4Base

	log.Printf("migration: state applied, ready to resume guest")

	return nil
}
