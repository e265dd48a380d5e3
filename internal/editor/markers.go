package editor

import (
	"fmt"
	"os"
	"strings"

	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
)

// Sentinel comments delimiting one injected code region. The begin line
// carries the step identifier that produced the region.
const (
	BeginMarker = "// BRIDGE-STEP-BEGIN"
	EndMarker   = "// BRIDGE-STEP-END"
)

// Region is one marker-delimited span of generated code. Regions are never
// nested; a file may contain zero or more of them.
type Region struct {
	StepID string
	Body   string
}

// FormatRegion renders a region the way the broker injects it: sentinel
// lines around the body, ready to be spliced into a test.
func FormatRegion(stepID, body string) string {
	return fmt.Sprintf("%s %s\n%s\n%s", BeginMarker, stepID, strings.TrimRight(body, "\n"), EndMarker)
}

// ScanRegions returns every completed region in file order. Lines strictly
// between a begin sentinel and its end sentinel form one region's body. A
// begin with no matching end is treated as not-yet-complete and discarded
// rather than reported as corruption.
func (e *Editor) ScanRegions(path string) ([]Region, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	regions, _ := scanLines(string(src))
	return regions, nil
}

// StripMarkers removes every sentinel line while keeping all other lines
// verbatim, turning injected regions into ordinary permanent test code.
// Running it on its own output is a no-op.
func (e *Editor) StripMarkers(path string) error {
	e.locks.Lock(path)
	defer e.locks.Unlock(path)

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	out, removed := stripLines(string(src))
	if removed == 0 {
		logger.Info("No markers in %s, nothing to strip", path)
		return nil
	}
	if err := writeFileAtomic(path, []byte(out)); err != nil {
		return err
	}
	metrics.RecordFileEdit("strip_markers")
	logger.Info("Stripped %d marker lines from %s", removed, path)
	return nil
}

// scanLines collects completed regions and the count of sentinel lines.
func scanLines(src string) ([]Region, int) {
	var regions []Region
	var sentinels int
	var current *Region
	var body []string

	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, BeginMarker):
			sentinels++
			// A second begin before an end restarts the region; the
			// unterminated one is discarded.
			stepID := strings.TrimSpace(strings.TrimPrefix(trimmed, BeginMarker))
			current = &Region{StepID: stepID}
			body = body[:0]
		case strings.HasPrefix(trimmed, EndMarker):
			sentinels++
			if current != nil {
				current.Body = strings.Join(body, "\n")
				regions = append(regions, *current)
				current = nil
			}
		default:
			if current != nil {
				body = append(body, line)
			}
		}
	}
	return regions, sentinels
}

// stripLines drops sentinel lines and reports how many were removed.
func stripLines(src string) (string, int) {
	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	removed := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, BeginMarker) || strings.HasPrefix(trimmed, EndMarker) {
			removed++
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), removed
}
