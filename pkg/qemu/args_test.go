package qemu_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/diff"
	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/qemu"
)

func TestBuildArgs(t *testing.T) {
	layout := host.NewLayout("/var/lib/kvmctl")

	tests := []struct {
		name string
		cfg  host.VMConfig
		want []string
	}{
		{
			name: "minimal",
			cfg:  host.VMConfig{Name: "v1"},
			want: []string{
				"-name", "v1",
				"-nographic",
				"-drive", "file=/var/lib/kvmctl/vms/kvm/v1/disk.qcow2,format=qcow2,if=virtio",
				"-qmp", "unix:/var/lib/kvmctl/vms/kvm/v1/monitor.sock,server,nowait",
			},
		},
		{
			name: "full",
			cfg: host.VMConfig{
				Name: "v1",
				Disk: "/data/v1.qcow2",
				Params: host.Params{
					CPUs:      "2",
					Memory:    "1G",
					KVM:       true,
					VNC:       "0.0.0.0:1",
					Websocket: "5701",
					Args:      []string{"-serial", "mon:stdio"},
				},
				Interfaces: []host.Interface{{MAC: "52:54:00:00:00:01"}},
			},
			want: []string{
				"-name", "v1",
				"-nographic",
				"-drive", "file=/data/v1.qcow2,format=qcow2,if=virtio",
				"-qmp", "unix:/var/lib/kvmctl/vms/kvm/v1/monitor.sock,server,nowait",
				"-enable-kvm",
				"-smp", "2",
				"-m", "1G",
				"-vnc", "0.0.0.0:1,websocket=5701",
				"-netdev", "tap,id=net0,ifname=vmv1.0,script=no,downscript=no",
				"-device", "virtio-net-pci,netdev=net0,mac=52:54:00:00:00:01",
				"-serial", "mon:stdio",
			},
		},
		{
			name: "vnc without websocket",
			cfg: host.VMConfig{
				Name:   "v2",
				Params: host.Params{VNC: ":3"},
			},
			want: []string{
				"-name", "v2",
				"-nographic",
				"-drive", "file=/var/lib/kvmctl/vms/kvm/v2/disk.qcow2,format=qcow2,if=virtio",
				"-qmp", "unix:/var/lib/kvmctl/vms/kvm/v2/monitor.sock,server,nowait",
				"-vnc", ":3",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := qemu.BuildArgs(tt.cfg, layout)
			require.NoError(t, err)
			if d := diff.Diff(tt.want, got); d != "" {
				t.Errorf("BuildArgs() mismatch:%s", d)
			}
		})
	}
}

func TestBuildArgsInterfacePairs(t *testing.T) {
	layout := host.NewLayout("/r")

	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d interfaces", n), func(t *testing.T) {
			cfg := host.VMConfig{Name: "net"}
			for i := 0; i < n; i++ {
				cfg.Interfaces = append(cfg.Interfaces, host.Interface{MAC: fmt.Sprintf("52:54:00:00:00:%02x", i)})
			}

			args, err := qemu.BuildArgs(cfg, layout)
			require.NoError(t, err)

			var netdevs, devices []string
			for i := 0; i < len(args)-1; i++ {
				switch args[i] {
				case "-netdev":
					netdevs = append(netdevs, args[i+1])
				case "-device":
					devices = append(devices, args[i+1])
				}
			}

			require.Len(t, netdevs, n)
			require.Len(t, devices, n)
			for i := 0; i < n; i++ {
				assert.Equal(t, fmt.Sprintf("tap,id=net%d,ifname=vmnet.%d,script=no,downscript=no", i, i), netdevs[i])
				assert.Equal(t, fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=52:54:00:00:00:%02x", i, i), devices[i])
			}
		})
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	layout := host.NewLayout("/r")
	cfg := host.VMConfig{
		Name:       "d",
		Params:     host.Params{CPUs: "4", Memory: "2G", Args: []string{"-boot", "c"}},
		Interfaces: []host.Interface{{MAC: "52:54:00:00:00:01"}, {MAC: "52:54:00:00:00:02"}},
	}

	first, err := qemu.BuildArgs(cfg, layout)
	require.NoError(t, err)
	second, err := qemu.BuildArgs(cfg, layout)
	require.NoError(t, err)

	assert.Empty(t, diff.Diff(first, second))
	assert.Equal(t, []string{"-boot", "c"}, first[len(first)-2:], "extra args come last")
}

func TestBuildArgsRequiresName(t *testing.T) {
	_, err := qemu.BuildArgs(host.VMConfig{}, host.NewLayout("/r"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, host.ErrConfig))
}
