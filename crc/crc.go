// Package crc implements the checksum used by Navien NPE serial frames.
// It is the controller's own scheme, not a standard CRC-8: one shift and
// conditional reduce per whole input byte, then XOR with that byte.
package crc

const poly = 0x4b

func Checksum(buffer []byte) byte {
	if len(buffer) < 2 {
		return 0x00
	}
	result := uint16(0xff)
	for _, b := range buffer {
		result <<= 1
		if result > 0xff {
			result = (result & 0xff) ^ poly
		}
		result = (result & 0xff) ^ uint16(b)
	}
	return byte(result & 0xff)
}

// Validate reports whether the last byte of frame is the checksum of the
// preceding bytes.
func Validate(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame)
	return Checksum(frame[:n-1]) == frame[n-1]
}
