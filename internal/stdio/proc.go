package stdio

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// Usage holds resource figures read from /proc.
type Usage struct {
	RSSBytes int64
	FDs      int
}

// procUsage reads RSS and open fd count for pid. On platforms
// without /proc it returns an error and monitoring skips the check.
func procUsage(pid int) (Usage, error) {
	var u Usage

	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return u, err
	}
	rss, err := parseVmRSS(status)
	if err != nil {
		return u, err
	}
	u.RSSBytes = rss

	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return u, err
	}
	u.FDs = len(entries)
	return u, nil
}

// parseVmRSS extracts the resident set size from a /proc/<pid>/status
// payload. The line has the form "VmRSS:     1234 kB".
func parseVmRSS(status []byte) (int64, error) {
	for _, line := range bytes.Split(status, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("VmRSS:")) {
			continue
		}
		fields := bytes.Fields(line[len("VmRSS:"):])
		if len(fields) < 1 {
			break
		}
		kb, err := strconv.ParseInt(string(fields[0]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing VmRSS: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not present")
}
