package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// ConfigHash represents a hash of machine layout for snapshot validation.
// A snapshot can only be restored into a machine with the same config hash.
type ConfigHash [32]byte

// DeviceConfig captures device addressing for hashing.
type DeviceConfig struct {
	Name    string
	Regions []MMIORegion
}

// ComputeConfigHash computes a deterministic hash of machine layout.
// Callers pass devices in a stable order; region order follows registration.
func ComputeConfigHash(cpuCount int, deviceConfigs []DeviceConfig) ConfigHash {
	h := sha256.New()

	// CPU count
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	// Device layout (order matters)
	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.Name))
		h.Write([]byte{0}) // null terminator
		for _, region := range dc.Regions {
			binary.LittleEndian.PutUint64(buf[:], region.Address)
			h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], region.Size)
			h.Write(buf[:])
		}
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
