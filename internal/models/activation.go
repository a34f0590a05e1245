package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivationStatus is the lifecycle state of a machine activation.
type ActivationStatus string

const (
	// ActivationActive counts against the license installation ceiling.
	ActivationActive ActivationStatus = "active"
	// ActivationDeactivated is a released slot; rows are never deleted.
	ActivationDeactivated ActivationStatus = "deactivated"
)

// Activation binds one machine to a license. At most one active row exists
// per (license, fingerprint) pair; re-validation refreshes the heartbeat.
type Activation struct {
	ID                 uuid.UUID        `json:"id"`
	LicenseID          uuid.UUID        `json:"license_id"`
	MachineFingerprint string           `json:"machine_fingerprint"`
	MachineLabel       string           `json:"machine_label"`
	OS                 string           `json:"os"`
	Hostname           string           `json:"hostname"`
	ActivatedAt        time.Time        `json:"activated_at"`
	LastHeartbeat      time.Time        `json:"last_heartbeat"`
	Status             ActivationStatus `json:"status"`
	DeactivatedAt      *time.Time       `json:"deactivated_at,omitempty"`
	DeactivationReason *string          `json:"deactivation_reason,omitempty"`
}

// MachineMetadata carries the optional client-supplied machine description.
type MachineMetadata struct {
	MachineLabel string
	OS           string
	Hostname     string
	AppVersion   string
}

// NewActivation creates an active activation for the given machine.
func NewActivation(licenseID uuid.UUID, fingerprint string, meta MachineMetadata) *Activation {
	now := time.Now().UTC()
	label := meta.MachineLabel
	osName := meta.OS
	hostname := meta.Hostname
	if osName == "" {
		osName = "unknown"
	}
	if hostname == "" {
		hostname = "unknown"
	}
	if label == "" {
		label = osName + " - " + hostname
	}
	return &Activation{
		ID:                 uuid.New(),
		LicenseID:          licenseID,
		MachineFingerprint: fingerprint,
		MachineLabel:       label,
		OS:                 osName,
		Hostname:           hostname,
		ActivatedAt:        now,
		LastHeartbeat:      now,
		Status:             ActivationActive,
	}
}
