package hypervisor

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

const (
	domainType      = "kvm"
	domainOSType    = "hvm"
	diskFormat      = "qcow2"
	diskTargetDev   = "vda"
	diskBus         = "virtio"
	cdromTargetDev  = "sda"
	interfaceModel  = "virtio"
	consoleTargetNS = "serial"
)

// DomainSpec carries the rendered-disk paths and network placement a domain
// needs at define time; everything immutable in vm.Config plus the two
// on-disk artifacts the provisioner produced.
type DomainSpec struct {
	Name         string
	CPUs         int
	MemoryKiB    uint
	DiskPath     string
	CloudInitISO string
	NetworkName  string
	IPAddress    string
}

// domainXML renders the libvirt domain XML for a single VM: one disk (the
// thin qcow2 copy of the base image), one cloud-init ISO attached as a
// CD-ROM, and one NIC on the shared NAT network.
func domainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("hypervisor: domain name must not be empty")
	}

	d := &libvirtxml.Domain{
		Type: domainType,
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryKiB,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(spec.CPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Type: domainOSType,
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: diskFormat,
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: spec.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: diskTargetDev,
						Bus: diskBus,
					},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: spec.CloudInitISO,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: cdromTargetDev,
						Bus: "sata",
					},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: spec.NetworkName,
						},
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: interfaceModel,
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: consoleTargetNS,
					},
				},
			},
		},
	}

	xml, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("hypervisor: unable to marshal domain xml for %s: %w", spec.Name, err)
	}

	return xml, nil
}
