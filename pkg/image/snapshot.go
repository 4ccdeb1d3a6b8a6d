package image

import (
	"bufio"
	"context"
	"strings"
)

// Snapshot is one internal snapshot entry of a qcow2 disk.
type Snapshot struct {
	ID   string `json:"id"`
	Tag  string `json:"tag"`
	Date string `json:"date,omitempty"`
}

// SnapshotDelete removes an internal snapshot from a disk that no running
// hypervisor has open.
func (t *Tool) SnapshotDelete(ctx context.Context, disk, name string) error {
	_, err := t.run(ctx, "", "snapshot", "-d", name, disk)
	return err
}

// SnapshotList lists internal snapshots. It opens the disk with -U so it
// can run while a hypervisor holds the image lock.
func (t *Tool) SnapshotList(ctx context.Context, disk string) ([]Snapshot, error) {
	out, err := t.run(ctx, "", "snapshot", "-l", "-U", disk)
	if err != nil {
		return nil, err
	}
	return ParseSnapshotList(out), nil
}

// ParseSnapshotList reads the table printed by "qemu-img snapshot -l" and
// "info snapshots":
//
//	Snapshot list:
//	ID        TAG               VM SIZE                DATE     VM CLOCK     ICOUNT
//	1         snap1                 0 B 2024-03-01 10:00:00 00:00:00.000          0
func ParseSnapshotList(out string) []Snapshot {
	var snaps []Snapshot
	header := false

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if !header {
			header = fields[0] == "ID"
			continue
		}
		if len(fields) < 2 {
			continue
		}
		s := Snapshot{ID: fields[0], Tag: fields[1]}
		for i := 2; i+1 < len(fields); i++ {
			if isDate(fields[i]) {
				s.Date = fields[i] + " " + fields[i+1]
				break
			}
		}
		snaps = append(snaps, s)
	}
	return snaps
}

func isDate(s string) bool {
	return len(s) == 10 && s[4] == '-' && s[7] == '-'
}
