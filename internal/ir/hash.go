package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainDevice   = "lockstep/device/v1"
	DomainSnapshot = "lockstep/snapshot/v1"
	DomainConfig   = "lockstep/config/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hashes are taken over the NFC form of canonical JSON, so devices whose
// strings differ only in Unicode normalization hash alike.

// deviceObject is the canonical IR form of a device used for hashing.
func deviceObject(d Device) IRObject {
	data := d.Data
	if data == nil {
		data = IRObject{}
	}
	return IRObject{
		"engine": IRString(d.ID.EngineName),
		"name":   IRString(d.ID.Name),
		"kind":   IRString(d.Kind),
		"data":   data,
	}
}

// DeviceHash computes the content hash of a single device.
func DeviceHash(d Device) (string, error) {
	canonical, err := marshalHashForm(deviceObject(d))
	if err != nil {
		return "", fmt.Errorf("DeviceHash %s: %w", d.ID, err)
	}
	return hashWithDomain(DomainDevice, canonical), nil
}

// Hash computes the content hash of the snapshot. Device order is part of
// the hash, as is the step index.
func (s *Snapshot) Hash() (string, error) {
	devices := make(IRArray, 0, len(s.order))
	for _, id := range s.order {
		devices = append(devices, deviceObject(s.devices[id]))
	}
	canonical, err := marshalHashForm(IRObject{
		"step":    IRInt(s.step),
		"devices": devices,
	})
	if err != nil {
		return "", fmt.Errorf("snapshot hash: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// ConfigHash computes the hash recorded with a run for the simulation config.
func ConfigHash(config IRObject) (string, error) {
	canonical, err := marshalHashForm(config)
	if err != nil {
		return "", fmt.Errorf("ConfigHash: %w", err)
	}
	return hashWithDomain(DomainConfig, canonical), nil
}

// MustDeviceHash is like DeviceHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDeviceHash(d Device) string {
	h, err := DeviceHash(d)
	if err != nil {
		panic(err)
	}
	return h
}
