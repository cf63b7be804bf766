package units

import (
	"fmt"
	"strconv"
	"unicode"
)

func handleOverflow(val int64, mult int64) (int64, error) {
	result := val * mult
	if val == 0 || mult == 0 || val == 1 || mult == 1 {
		return result, nil
	}

	if result/mult != val {
		return -1, fmt.Errorf("Overflow multiplying %d with %d", val, mult)
	}

	return result, nil
}

func parseSizeString(input string, suffixes map[string]int64) (int64, error) {
	// Empty input.
	if input == "" {
		return 0, nil
	}

	// Find where the suffix begins.
	suffixLen := 0
	for i, chr := range []byte(input) {
		if !unicode.IsDigit(rune(chr)) {
			suffixLen = len(input) - i
			break
		}
	}

	if suffixLen == len(input) {
		return -1, fmt.Errorf("Invalid value: %q", input)
	}

	// Extract the suffix and the value.
	suffix := input[len(input)-suffixLen:]
	value := input[:len(input)-suffixLen]

	valueInt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return -1, fmt.Errorf("Invalid integer: %q", input)
	}

	if valueInt < 0 {
		return -1, fmt.Errorf("Invalid value: %d", valueInt)
	}

	// The value is a raw number.
	if suffixLen == 0 {
		return valueInt, nil
	}

	multiplicator, ok := suffixes[suffix]
	if !ok {
		return -1, fmt.Errorf("Invalid value suffix: %q", suffix)
	}

	return handleOverflow(valueInt, multiplicator)
}

// ParseByteSizeString parses a size string in bytes (e.g. 200kB or 5GiB)
// into the number of bytes it represents.
func ParseByteSizeString(input string) (int64, error) {
	return parseSizeString(input, map[string]int64{
		"B":   1,
		"kB":  1000,
		"MB":  1000 * 1000,
		"GB":  1000 * 1000 * 1000,
		"TB":  1000 * 1000 * 1000 * 1000,
		"PB":  1000 * 1000 * 1000 * 1000 * 1000,
		"EB":  1000 * 1000 * 1000 * 1000 * 1000 * 1000,
		"KiB": 1024,
		"MiB": 1024 * 1024,
		"GiB": 1024 * 1024 * 1024,
		"TiB": 1024 * 1024 * 1024 * 1024,
		"PiB": 1024 * 1024 * 1024 * 1024 * 1024,
		"EiB": 1024 * 1024 * 1024 * 1024 * 1024 * 1024,
	})
}

// ParseBitSizeString parses a size string in bits (e.g. 200kbit or 5Gibit)
// into the number of bits it represents.
func ParseBitSizeString(input string) (int64, error) {
	return parseSizeString(input, map[string]int64{
		"bit":   1,
		"kbit":  1000,
		"Mbit":  1000 * 1000,
		"Gbit":  1000 * 1000 * 1000,
		"Tbit":  1000 * 1000 * 1000 * 1000,
		"Pbit":  1000 * 1000 * 1000 * 1000 * 1000,
		"Ebit":  1000 * 1000 * 1000 * 1000 * 1000 * 1000,
		"Kibit": 1024,
		"Mibit": 1024 * 1024,
		"Gibit": 1024 * 1024 * 1024,
		"Tibit": 1024 * 1024 * 1024 * 1024,
		"Pibit": 1024 * 1024 * 1024 * 1024 * 1024,
		"Eibit": 1024 * 1024 * 1024 * 1024 * 1024 * 1024,
	})
}

// GetByteSizeString takes a number of bytes and returns a string
// representation using SI suffixes.
func GetByteSizeString(input int64, precision uint) string {
	if input < 1000 {
		return fmt.Sprintf("%dB", input)
	}

	value := float64(input)
	for _, unit := range []string{"kB", "MB", "GB", "TB", "PB", "EB"} {
		value = value / 1000
		if value < 1000 {
			return fmt.Sprintf("%.*f%s", precision, value, unit)
		}
	}

	return fmt.Sprintf("%.*fEB", precision, value)
}

// GetByteSizeStringIEC takes a number of bytes and returns a string
// representation using IEC suffixes.
func GetByteSizeStringIEC(input int64, precision uint) string {
	if input < 1024 {
		return fmt.Sprintf("%dB", input)
	}

	value := float64(input)
	for _, unit := range []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"} {
		value = value / 1024
		if value < 1024 {
			return fmt.Sprintf("%.*f%s", precision, value, unit)
		}
	}

	return fmt.Sprintf("%.*fEiB", precision, value)
}
