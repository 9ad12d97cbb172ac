package transcode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// SidecarName is the durable per-episode state file inside the cache
// directory.
const SidecarName = "transcode.json"

// Sidecar is the on-disk record of a transcode job. It outlives the
// process and drives startup recovery.
type Sidecar struct {
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
	SourceURL   string    `json:"source_url"`
	ShowName    string    `json:"show_name,omitempty"`
	EpisodeName string    `json:"episode_name,omitempty"`
	AirDate     string    `json:"air_date,omitempty"`
	Error       string    `json:"error,omitempty"`
	StderrTail  []string  `json:"stderr_tail,omitempty"`
}

// writeSidecar atomically replaces the sidecar so a crash never leaves a
// half-written state file.
func writeSidecar(dir string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, SidecarName), data, 0o644)
}

// readSidecar loads the sidecar of a cache directory.
func readSidecar(dir string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(data, &sc)
	return sc, err
}
