// uhyve boots a single unikernel ELF image under KVM. Configuration comes
// from the environment (see config.FromEnv); the only command-line
// arguments are the guest image path and whatever arguments should be
// forwarded to it. Grounded on the teacher's flag/runs.go kong-based
// CLI-with-Run()-methods pattern, collapsed to uhyve's single boot
// operation since there is no separate probe subcommand here.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"

	"github.com/go-uhyve/uhyve/config"
	"github.com/go-uhyve/uhyve/vmm"
)

// CLI is uhyve's entire command line: a guest image and its own argv tail.
type CLI struct {
	Image string   `arg:"" help:"path to the guest ELF image"`
	Args  []string `arg:"" optional:"" help:"arguments passed to the guest"`

	Restore string `help:"resume from a checkpoint directory instead of booting Image fresh" placeholder:"DIR"`
}

func main() {
	var cli CLI

	kong.Parse(&cli,
		kong.Name("uhyve"),
		kong.Description("uhyve boots a unikernel ELF image under KVM"),
		kong.UsageOnError())

	os.Exit(run(&cli))
}

// run returns the process exit code: 0 on a clean guest halt or a
// completed migration handoff, nonzero on any configuration, load, or
// kernel-interface error, per the external interface's exit code contract.
func run(cli *CLI) int {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("uhyve: %v", err)

		return 1
	}

	vm, err := vmm.New(cfg)
	if err != nil {
		log.Printf("uhyve: %v", err)

		return 1
	}

	switch {
	case cfg.MigrationServer:
		if err := vm.Incoming(); err != nil {
			log.Printf("uhyve: migration receive: %v", err)

			return 1
		}
	case cli.Restore != "":
		if err := vm.RestoreCheckpoint(cli.Restore); err != nil {
			log.Printf("uhyve: restore %s: %v", cli.Restore, err)

			return 1
		}
	default:
		if err := vm.LoadImage(cli.Image, cli.Args); err != nil {
			log.Printf("uhyve: load %s: %v", cli.Image, err)

			return 1
		}
	}

	if _, err := vm.StartControlSocket(); err != nil {
		log.Printf("uhyve: control socket: %v", err)

		return 1
	}

	stopCheckpoints := make(chan struct{})
	checkpointErr := make(chan error, 1)

	go func() {
		checkpointErr <- vm.RunCheckpointTimer(stopCheckpoints)
	}()

	if cfg.MigrationSupport != nil {
		return runAsMigrationSource(vm, cfg, stopCheckpoints)
	}

	bootErr := vm.Boot()
	close(stopCheckpoints)

	if ckErr := <-checkpointErr; ckErr != nil && bootErr == nil {
		bootErr = ckErr
	}

	if bootErr != nil {
		log.Printf("uhyve: %v", bootErr)

		return 1
	}

	return 0
}

// runAsMigrationSource boots the guest in the background and immediately
// hands it off to cfg.MigrationSupport, exiting 0 once the destination has
// acknowledged readiness — the source's own vCPUs are quiesced and handed
// off inside MigrateTo, so there is nothing further for this process to do.
func runAsMigrationSource(vm *vmm.VM, cfg *config.Config, stopCheckpoints chan struct{}) int {
	bootErr := make(chan error, 1)

	go func() {
		bootErr <- vm.Boot()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.MigrationSupport.String(), cfg.Port)

	if err := vm.MigrateTo(addr); err != nil {
		close(stopCheckpoints)
		log.Printf("uhyve: migration send: %v", err)

		return 1
	}

	close(stopCheckpoints)

	log.Printf("uhyve: migration handed off to %s", addr)

	return 0
}
