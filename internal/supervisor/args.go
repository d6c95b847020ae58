package supervisor

import (
	"fmt"
	"strings"

	"github.com/nyxlabs/gvmd/internal/gvm"
)

// buildArgs computes the hypervisor argument vector from cfg and the
// resolved runtime paths. Confidential-compute mode adds the firmware
// object and a machine type advertising confidential-guest support; the
// plain variant omits both, per SPEC_FULL.md section 6.
func buildArgs(cfg gvm.Config, p Paths) []string {
	var args []string

	args = append(args, "-enable-kvm")

	if cfg.Firmware == gvm.FirmwareConfidential {
		args = append(args, "-cpu", cfg.VCPUModel)
		args = append(args, "-machine", "q35,confidential-guest-support=sev0")
		args = append(args, "-object", "sev-snp-guest,id=sev0,cbitpos=51,reduced-phys-bits=1")
		if p.ControlSocketPath != "" && cfg.OVMFPath != "" {
			args = append(args, "-bios", cfg.OVMFPath)
		}
	} else {
		args = append(args, "-cpu", cfg.VCPUModel)
		args = append(args, "-machine", "q35")
	}

	args = append(args, "-smp", fmt.Sprintf("%d", cfg.VCPUs))
	args = append(args, "-m", fmt.Sprintf("%dM", cfg.MemoryMB))

	args = append(args, "-kernel", cfg.KernelPath)
	args = append(args, "-initrd", cfg.InitrdPath)
	args = append(args, "-append", buildKernelCmdline(cfg.BootArgs))

	args = append(args, "-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:%d", cfg.RPCPort, cfg.RPCPort))
	args = append(args, "-device", "virtio-net-pci,netdev=net0")

	if cfg.DiskImagePath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=raw", cfg.DiskImagePath))
	}

	args = append(args, "-display", "none")
	args = append(args, "-serial", "file:"+p.SerialLogPath)
	args = append(args, "-qmp", "unix:"+p.ControlSocketPath+",server,nowait")
	args = append(args, "-daemonize")
	args = append(args, "-pidfile", p.PidFilePath)

	return args
}

func buildKernelCmdline(bootArgs []string) string {
	base := "console=ttyS0 loglevel=4"
	if len(bootArgs) == 0 {
		return base
	}
	return base + " " + strings.Join(bootArgs, " ")
}
