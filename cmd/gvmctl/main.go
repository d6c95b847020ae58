// Command gvmctl is the CLI front-end for gvmd, talking to the daemon over
// its Unix control socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/nyxlabs/gvmd/internal/cliclient"
	"github.com/nyxlabs/gvmd/internal/config"
	"github.com/nyxlabs/gvmd/internal/gvm"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gvmctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}

	cfg := config.DefaultConfig()
	client := cliclient.New(cfg.SocketPath)
	ctx := context.Background()

	switch args[0] {
	case "create":
		return cmdCreate(ctx, client, args[1:], cfg)
	case "start":
		return cmdStart(ctx, client, args[1:])
	case "stop":
		return cmdStop(ctx, client, args[1:])
	case "pause":
		return cmdSimple(ctx, client.Pause, args[1:], "pause")
	case "resume":
		return cmdSimple(ctx, client.Resume, args[1:], "resume")
	case "suspend":
		return cmdSimple(ctx, client.Suspend, args[1:], "suspend")
	case "reset":
		return cmdSimple(ctx, client.Reset, args[1:], "reset")
	case "delete":
		return cmdDelete(ctx, client, args[1:])
	case "list":
		return cmdList(ctx, client)
	case "show":
		return cmdShow(ctx, client, args[1:])
	case "logs":
		return cmdLogs(ctx, client, args[1:])
	case "stats":
		return cmdStats(ctx, client, args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	return fmt.Errorf("usage: gvmctl <create|start|stop|pause|resume|suspend|reset|delete|list|show|logs|stats> ...")
}

func cmdCreate(ctx context.Context, c *cliclient.Client, args []string, defaults *config.Config) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "gvm name")
	vcpus := fs.Int("vcpus", defaults.DefaultVCPUs, "vcpu count")
	memoryMB := fs.Int("memory-mb", defaults.DefaultMemoryMB, "memory in MiB")
	storageBytes := fs.Int64("storage-bytes", 0, "sparse disk image size in bytes")
	basePort := fs.Int("base-port", 50000, "lowest port to try when reserving the rpc port")
	kernel := fs.String("kernel", "", "path to kernel image")
	initrd := fs.String("initrd", "", "path to initrd image")
	ovmf := fs.String("ovmf", "", "path to OVMF firmware (required for -confidential)")
	diskImage := fs.String("disk-image", "", "path to the disk image to create")
	confidential := fs.Bool("confidential", false, "enable SEV-SNP confidential compute")
	vcpuModel := fs.String("cpu-model", "host", "vcpu model passed to -cpu")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	firmware := gvm.FirmwarePlain
	if *confidential {
		firmware = gvm.FirmwareConfidential
	}

	rec, err := c.Create(ctx, *name, gvm.Config{
		VCPUs:         *vcpus,
		MemoryMB:      *memoryMB,
		StorageBytes:  *storageBytes,
		BasePort:      *basePort,
		Firmware:      firmware,
		VCPUModel:     *vcpuModel,
		KernelPath:    *kernel,
		InitrdPath:    *initrd,
		OVMFPath:      *ovmf,
		DiskImagePath: *diskImage,
		BootArgs:      fs.Args(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", rec.Name, rec.ID)
	return nil
}

func cmdStart(ctx context.Context, c *cliclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gvmctl start <name>")
	}
	rec, err := c.Start(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", rec.Name, rec.Status)
	return nil
}

func cmdStop(ctx context.Context, c *cliclient.Client, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	grace := fs.Int("grace-seconds", 0, "seconds to wait before SIGKILL (0 = daemon default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gvmctl stop [-grace-seconds N] <name>")
	}
	rec, err := c.Stop(ctx, fs.Arg(0), *grace)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", rec.Name, rec.Status)
	return nil
}

func cmdSimple(ctx context.Context, op func(context.Context, string) (*gvm.Record, error), args []string, verb string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gvmctl %s <name>", verb)
	}
	rec, err := op(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", rec.Name, rec.Status)
	return nil
}

func cmdDelete(ctx context.Context, c *cliclient.Client, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	force := fs.Bool("force", false, "stop the gvm first if it is running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gvmctl delete [-force] <name>")
	}
	if err := c.Destroy(ctx, fs.Arg(0), *force); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", fs.Arg(0))
	return nil
}

func cmdList(ctx context.Context, c *cliclient.Client) error {
	recs, err := c.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tVCPUS\tMEMORY_MB\tPID")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.Name, r.Status, r.Config.VCPUs, r.Config.MemoryMB, r.ProcessPID)
	}
	return tw.Flush()
}

func cmdShow(ctx context.Context, c *cliclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gvmctl show <name>")
	}
	rec, err := c.Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func cmdLogs(ctx context.Context, c *cliclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gvmctl logs <name>")
	}
	out, err := c.Logs(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func cmdStats(ctx context.Context, c *cliclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gvmctl stats <name>")
	}
	s, err := c.Stats(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("cpus: %d\n", len(s.CPUs))
	fmt.Printf("memory: %d bytes\n", s.Memory.BaseMemory)
	return nil
}
