// Command uhyve boots, probes, or joins a migration for one isle.
package main

import (
	"log"
	"net"
	"os"

	"github.com/alecthomas/kong"

	"github.com/nmi/uhyve/config"
	"github.com/nmi/uhyve/probe"
	"github.com/nmi/uhyve/vm"
)

type cli struct {
	Boot  bootCmd  `cmd:"" help:"Boot a kernel image inside a fresh isle."`
	Probe probeCmd `cmd:"" help:"Report which KVM capabilities this host supports."`
}

type bootCmd struct {
	Dev    string `default:"/dev/kvm" help:"Path of the KVM device."`
	Kernel string `help:"Kernel ELF image path." arg:""`
	NCPUs  int    `default:"1" short:"c" help:"Number of vCPUs."`
	Memory string `default:"256M" short:"m" help:"Memory size, e.g. 256M, 2G."`
	Params string `short:"p" help:"Kernel command-line parameters."`

	Netif   string `short:"t" help:"Tap interface name, or @N for an inherited fd. Empty disables networking."`
	MAC     string `help:"Guest MAC address; empty generates one."`
	IP      string `default:"10.0.5.2" help:"Guest IP address."`
	Gateway string `default:"10.0.5.1" help:"Guest default gateway."`
	Mask    string `default:"255.255.255.0" help:"Guest netmask."`

	Verbose bool `short:"v" help:"Enable the guest UART console."`

	CheckpointInterval uint32 `help:"Seconds between automatic checkpoints; 0 disables."`
	FullCheckpoint     bool   `help:"Always write a full checkpoint instead of an incremental one."`
	Restore            bool   `help:"Resume from the checkpoint/ directory instead of loading Kernel."`

	MigrationSupport string `help:"Destination address a SIGUSR1 migrates this isle to."`
	MigrationType    string `default:"cold" help:"Migration type: cold or live."`
	MigrationServer  bool   `help:"Start as a migration receiver instead of booting Kernel directly."`

	HugePage  bool `default:"true" negatable:"" help:"Advise the kernel to back guest memory with huge pages."`
	Mergeable bool `help:"Advise the kernel guest memory pages are mergeable (KSM)."`
}

type probeCmd struct {
	Dev string `default:"/dev/kvm" help:"Path of the KVM device."`
}

func (p *probeCmd) Run() error {
	return probe.Run(p.Dev, os.Stdout)
}

func (b *bootCmd) Run() error {
	cfg, err := b.config()
	if err != nil {
		return err
	}

	var instance *vm.VM

	switch {
	case b.MigrationServer:
		instance, err = vm.ReceiveMigration(cfg)
	case b.Restore:
		instance, err = vm.BootFromCheckpoint(cfg)
	default:
		instance, err = vm.Boot(cfg)
	}

	if err != nil {
		return err
	}

	code, runErr := instance.Run()

	if closeErr := instance.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	if runErr != nil {
		return runErr
	}

	os.Exit(code)

	return nil
}

func (b *bootCmd) config() (config.Config, error) {
	memory, err := config.ParseMemory(b.Memory)
	if err != nil {
		return config.Config{}, err
	}

	migrationType, err := config.ParseMigrationType(b.MigrationType)
	if err != nil {
		return config.Config{}, err
	}

	return config.Config{
		Kernel:             b.Kernel,
		NCPUs:              b.NCPUs,
		Memory:             memory,
		Params:             b.Params,
		Dev:                b.Dev,
		Netif:              b.Netif,
		MAC:                b.MAC,
		IP:                 net.ParseIP(b.IP),
		Gateway:            net.ParseIP(b.Gateway),
		Mask:               net.ParseIP(b.Mask),
		Verbose:            b.Verbose,
		CheckpointInterval: b.CheckpointInterval,
		FullCheckpoint:     b.FullCheckpoint,
		MigrationSupport:   b.MigrationSupport,
		MigrationType:      migrationType,
		MigrationServer:    b.MigrationServer,
		HugePage:           b.HugePage,
		Mergeable:          b.Mergeable,
	}, nil
}

func main() {
	var c cli

	ctx := kong.Parse(&c,
		kong.Name("uhyve"),
		kong.Description("uhyve boots a lightweight unikernel inside a hardware-virtualized guest."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}
