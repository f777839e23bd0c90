package hal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IIOChannel reads raw samples from a Linux Industrial I/O ADC channel
// through sysfs (in_voltageN_raw).
type IIOChannel struct {
	path string
}

// OpenIIO checks that the channel file exists under dir and returns a
// reader for it.
func OpenIIO(dir string, channel int) (*IIOChannel, error) {
	if channel < 0 {
		return nil, fmt.Errorf("adc channel %d out of range", channel)
	}
	path := filepath.Join(dir, fmt.Sprintf("in_voltage%d_raw", channel))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open adc channel %d: %w", channel, err)
	}
	return &IIOChannel{path: path}, nil
}

// Read implements [ADC].
func (c *IIOChannel) Read() (int, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.path, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", c.path, err)
	}
	return raw, nil
}
