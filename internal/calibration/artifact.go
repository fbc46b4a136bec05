package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// DefaultOutputDir is where artifacts go when no path is given.
const DefaultOutputDir = "calibration-data"

// ArtifactPath is the default file for address under dir.
func ArtifactPath(dir string, address int) string {
	if dir == "" {
		dir = DefaultOutputDir
	}
	return filepath.Join(dir, fmt.Sprintf("speed_table_%d.json", address))
}

// SaveArtifact writes run as indented JSON to path. An existing file is
// never replaced; a _YYYYMMDD_HHMMSS suffix is added before the extension
// instead, then _2, _3 and so on while that is taken too. It returns the
// path actually written.
func SaveArtifact(run *Run, path string, now time.Time) (string, error) {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", pkgerrors.Wrap(err, "encode calibration artifact")
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", pkgerrors.Wrapf(err, "create %s", filepath.Dir(path))
	}

	want := path
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	for n := 1; os.IsExist(err) && n <= maxArtifactSuffix; n++ {
		path = suffixed(want, now, n)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", pkgerrors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", pkgerrors.Wrapf(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return "", pkgerrors.Wrapf(err, "close %s", path)
	}
	return path, nil
}

const maxArtifactSuffix = 1000

// suffixed names the nth alternative to path. The first carries only the
// timestamp.
func suffixed(path string, now time.Time, n int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext) + "_" + now.Format("20060102_150405")
	if n > 1 {
		base += fmt.Sprintf("_%d", n)
	}
	return base + ext
}

// LoadArtifact reads a previously saved run.
func LoadArtifact(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read %s", path)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, pkgerrors.Wrapf(err, "decode %s", path)
	}
	return &run, nil
}
