// Package gvm defines the GVM record and its boot configuration — the unit
// of persistence shared by the State Store, Controller, and API layers.
package gvm

import "github.com/nyxlabs/gvmd/internal/status"

// FirmwareMode selects whether a GVM boots with confidential-compute
// guest support enabled.
type FirmwareMode string

const (
	FirmwarePlain         FirmwareMode = "plain"
	FirmwareConfidential  FirmwareMode = "confidential"
)

// Config is the resource and boot configuration of a GVM. It is immutable
// after creation.
type Config struct {
	VCPUs         int          `json:"vcpus"`
	MemoryMB      int          `json:"memory_mb"`
	StorageBytes  int64        `json:"storage_bytes"`
	RPCPort       int          `json:"rpc_port"`
	BasePort      int          `json:"base_port"`
	Firmware      FirmwareMode `json:"firmware"`
	VCPUModel     string       `json:"vcpu_model"`
	KernelPath    string       `json:"kernel_path"`
	InitrdPath    string       `json:"initrd_path"`
	OVMFPath      string       `json:"ovmf_path,omitempty"`
	DataDir       string       `json:"data_dir"`
	DiskImagePath string       `json:"disk_image_path,omitempty"`
	BootArgs      []string     `json:"boot_args,omitempty"`

	// ExpectedMeasurement is carried verbatim and never verified by the
	// core (cryptographic attestation verification is out of scope).
	ExpectedMeasurement string `json:"expected_measurement,omitempty"`
}

// Record is the persisted representation of one GVM.
type Record struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Status            status.Status `json:"status"`
	Config            Config        `json:"config"`
	ProcessPID        int           `json:"process_pid,omitempty"`
	ControlSocketPath string        `json:"control_socket_path,omitempty"`
	SerialLogPath     string        `json:"serial_log_path,omitempty"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
}

// PortReservation is one row of the port registry.
type PortReservation struct {
	Port  int    `json:"port"`
	GVMID string `json:"gvm_id"`
	Kind  string `json:"kind"`
}
