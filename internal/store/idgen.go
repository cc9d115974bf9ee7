package store

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aofdev/aof/internal/task"
)

// idPattern matches TASK-YYYY-MM-DD-NNN identifiers and captures the
// date and sequence parts.
var idPattern = regexp.MustCompile(`^TASK-(\d{4}-\d{2}-\d{2})-(\d{3,})$`)

// nextID scans every status partition for today's ids and returns the
// next zero-padded sequence number. Single-writer: the daemon owns all
// mutations, so a scan-and-increment is race-free.
func (s *Store) nextID(now time.Time) (string, error) {
	date := now.Format("2006-01-02")
	max := 0
	for _, status := range task.ValidStatuses() {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("scan %s for id allocation: %w", status, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), RecordExt) {
				continue
			}
			m := idPattern.FindStringSubmatch(strings.TrimSuffix(entry.Name(), RecordExt))
			if m == nil || m[1] != date {
				continue
			}
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			if n > max {
				max = n
			}
		}
	}
	return fmt.Sprintf("%s-%s-%03d", task.IDPrefix, date, max+1), nil
}
