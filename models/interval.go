package models

import (
	"fmt"
	"strconv"
)

// IntervalToMilliseconds converts an exchange interval token such as "1m",
// "4h", or "1d" to its width in epoch milliseconds.
func IntervalToMilliseconds(interval string) (int64, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	magnitude, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	var unit int64
	switch interval[len(interval)-1] {
	case 's':
		unit = 1000
	case 'm':
		unit = 60 * 1000
	case 'h':
		unit = 60 * 60 * 1000
	case 'd':
		unit = 24 * 60 * 60 * 1000
	case 'w':
		unit = 7 * 24 * 60 * 60 * 1000
	default:
		return 0, fmt.Errorf("unsupported interval unit in %q", interval)
	}
	if magnitude <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return magnitude * unit, nil
}
