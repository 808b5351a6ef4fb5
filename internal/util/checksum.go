package util

import (
	"hash/crc32"
)

// Record files carry a CRC32 (IEEE) of the station body so a partial or
// tampered write is detected at load time instead of being served.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes the CRC32 checksum of the given data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether the data matches the expected checksum.
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
