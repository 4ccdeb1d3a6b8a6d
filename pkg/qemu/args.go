package qemu

import (
	"fmt"

	"github.com/walteh/kvmctl/pkg/host"
)

// BuildArgs returns the QEMU argument vector for cfg. It is pure: the same
// config and layout always produce the same slice.
func BuildArgs(cfg host.VMConfig, layout host.Layout) ([]string, error) {
	if err := host.ValidateName(cfg.Name); err != nil {
		return nil, err
	}

	args := []string{
		"-name", cfg.Name,
		"-nographic",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", cfg.DiskPath(layout)),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", layout.MonitorPath(cfg.Name)),
	}

	p := cfg.Params

	if p.KVM {
		args = append(args, "-enable-kvm")
	}

	if p.CPUs != "" {
		args = append(args, "-smp", p.CPUs)
	}

	if p.Memory != "" {
		args = append(args, "-m", p.Memory)
	}

	if p.VNC != "" {
		vnc := p.VNC
		if p.Websocket != "" {
			vnc += ",websocket=" + p.Websocket
		}
		args = append(args, "-vnc", vnc)
	}

	for i, iface := range cfg.Interfaces {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net%d,ifname=%s,script=no,downscript=no", i, host.TapName(cfg.Name, i)),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", i, iface.MAC),
		)
	}

	args = append(args, p.Args...)

	return args, nil
}
