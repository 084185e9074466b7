package storage

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskStat describes the filesystem holding the storage root
type DiskStat struct {
	Total       uint64  `json:"total_bytes"`
	Free        uint64  `json:"free_bytes"`
	Used        uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Disk reports capacity of the filesystem that contains root
func Disk(root string) (DiskStat, error) {
	usage, err := disk.Usage(root)
	if err != nil {
		return DiskStat{}, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return DiskStat{
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}
