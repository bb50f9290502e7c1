package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// MarkerSuffix is appended to a location whose deletion was deferred.
const MarkerSuffix = ".cleanup_later"

func markerPath(location string) string {
	return location + MarkerSuffix
}

// writeMarker records that location still has to be deleted. The marker
// body is the failure time in RFC3339.
func writeMarker(location string, failedAt time.Time) error {
	body := failedAt.UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(markerPath(location), []byte(body), 0o600); err != nil {
		return fmt.Errorf("write cleanup marker: %w", err)
	}
	return nil
}

// readMarker returns the failure time stored in a marker. A marker with an
// unreadable body falls back to its modification time.
func readMarker(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); err == nil {
		return ts, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

func removeMarker(location string) error {
	err := os.Remove(markerPath(location))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
