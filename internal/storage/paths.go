// Package storage computes on-disk locations for persisted recordings
// (spec.md §6 "Persisted state"). It performs no I/O itself — the teacher
// has no storage layer to generalize (out of scope per spec.md §1) and the
// only disk access this system does is the file mp4Sink opens on its first
// Write when a path was set (internal/muxer/mp4.go), so this package is
// deliberately thin.
package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

// RecordingPath computes the date-partitioned path and stream-id-style
// filename for one MP4 download recording: root/YYYYMMDD/<device_id>-
// <channel_id>-<millis>.mp4, mirroring the stream_id's own
// device/channel/ssrc grouping (internal/streamid) without reusing its
// reversible encoding, since a filename only needs to be unique and
// sortable, not decodable.
func RecordingPath(root, deviceID, channelID string, at time.Time) string {
	day := at.Format("20060102")
	name := fmt.Sprintf("%s-%s-%d.mp4", deviceID, channelID, at.UnixMilli())
	return filepath.Join(root, day, name)
}
