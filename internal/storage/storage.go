// Package storage reports capacity of the filesystem backing the recording
// root. Snapshots are computed on demand and never cached, so the operator
// always sees current numbers.
package storage

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrUnavailable is returned when the mount backing the recording root
// cannot be statted. Callers get an Unknown snapshot instead of a crash.
var ErrUnavailable = errors.New("storage: mount unavailable")

// Snapshot holds the capacity of one filesystem at one instant.
type Snapshot struct {
	TotalBytes uint64    `json:"total_bytes"`
	FreeBytes  uint64    `json:"free_bytes"`
	UsedBytes  uint64    `json:"used_bytes"`
	SampledAt  time.Time `json:"sampled_at"`
	Known      bool      `json:"known"`
}

// UsageGB is the operator-facing projection of a Snapshot, in gigabytes.
type UsageGB struct {
	Total       float64 `json:"total"`
	Free        float64 `json:"free"`
	Used        float64 `json:"used"`
	PercentUsed float64 `json:"percent_used"`
}

// StatFunc resolves capacity for a path. Tests substitute this to simulate
// shrinking disks and dead mounts.
type StatFunc func(path string) (Snapshot, error)

// Stat returns the current capacity of the filesystem containing path.
func Stat(path string) (Snapshot, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Snapshot{SampledAt: time.Now()}, fmt.Errorf("%w: statfs %s: %v", ErrUnavailable, path, err)
	}

	total := fs.Blocks * uint64(fs.Frsize)
	free := fs.Bfree * uint64(fs.Frsize)

	return Snapshot{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
		SampledAt:  time.Now(),
		Known:      true,
	}, nil
}

// TimeToFull estimates how long until the mount fills, from the free-space
// delta between two consecutive snapshots. Reports false when the rate is
// not measurable: either snapshot unknown, no time elapsed, or free space
// stable or growing.
func TimeToFull(prev, cur Snapshot) (time.Duration, bool) {
	if !prev.Known || !cur.Known || cur.FreeBytes >= prev.FreeBytes {
		return 0, false
	}
	elapsed := cur.SampledAt.Sub(prev.SampledAt)
	if elapsed <= 0 {
		return 0, false
	}

	bytesPerSec := float64(prev.FreeBytes-cur.FreeBytes) / elapsed.Seconds()
	return time.Duration(float64(cur.FreeBytes) / bytesPerSec * float64(time.Second)), true
}

const bytesPerGB = float64(1024 * 1024 * 1024)

// GB converts the snapshot to gigabyte units for the status endpoint.
func (s Snapshot) GB() UsageGB {
	u := UsageGB{
		Total: float64(s.TotalBytes) / bytesPerGB,
		Free:  float64(s.FreeBytes) / bytesPerGB,
		Used:  float64(s.UsedBytes) / bytesPerGB,
	}
	if s.TotalBytes > 0 {
		u.PercentUsed = float64(s.UsedBytes) / float64(s.TotalBytes) * 100
	}
	return u
}
