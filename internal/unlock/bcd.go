package unlock

import "fmt"

// DecodeBCD converts a packed BCD code such as 0x1234 to its decimal value
// 1234. Nibbles above 9 are rejected.
func DecodeBCD(code uint16) (int, error) {
	value := 0
	for shift := 12; shift >= 0; shift -= 4 {
		digit := int(code>>uint(shift)) & 0x0F
		if digit > 9 {
			return 0, fmt.Errorf("unlock: %04X is not a BCD code", code)
		}
		value = value*10 + digit
	}
	return value, nil
}
