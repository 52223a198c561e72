package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loopfield/fsrt/engine/kernels/geometry"
)

// TrackGeometry is the parsed contents of a track geometry file: the
// zone polygons the geometry classifier kernel needs, keyed by section.
type TrackGeometry struct {
	Zone      []geometry.Polygon
	Inclusion []geometry.Polygon
	Exclusion []geometry.Polygon
}

// ParseTrackFile reads and parses a track geometry file. The format is
// line-oriented, delimited by "<Start settings>" / "<End settings>" and
// "<polygon settings>" blocks under one of four section tags. Unknown
// sections are skipped; malformed known sections fail with a descriptive
// error naming the offending line.
func ParseTrackFile(path string) (TrackGeometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return TrackGeometry{}, fmt.Errorf("open track geometry file: %w", err)
	}
	defer f.Close()

	r := newLineReader(f)
	var out TrackGeometry

	for {
		line, ok := r.next()
		if !ok {
			break
		}
		switch {
		case strings.Contains(line, "<Zone Objects>"):
			polys, err := parsePolygonSection(r, "Zone geometry")
			if err != nil {
				return TrackGeometry{}, err
			}
			out.Zone = polys
		case strings.Contains(line, "<Inclusion Zone Object>"):
			polys, err := parsePolygonSection(r, "Inclusion Zone geometry")
			if err != nil {
				return TrackGeometry{}, err
			}
			out.Inclusion = polys
		case strings.Contains(line, "<Exclusion Zone Objects>"):
			polys, err := parsePolygonSection(r, "Exclusion Zone geometry")
			if err != nil {
				return TrackGeometry{}, err
			}
			out.Exclusion = polys
		case strings.Contains(line, "<Linearization Object>"):
			if err := skipSection(r); err != nil {
				return TrackGeometry{}, err
			}
		default:
			// unknown section tags are ignored
		}
	}
	return out, nil
}

// parsePolygonSection consumes a "<Start settings>" ... "<End settings>"
// block whose body is a description line followed by zero or more
// "<polygon settings>" blocks, each carrying a zone id and its vertex
// coordinate lists.
func parsePolygonSection(r *lineReader, wantDescription string) ([]geometry.Polygon, error) {
	line, ok := r.next()
	if !ok || !strings.Contains(line, "<Start settings>") {
		return nil, fmt.Errorf("track geometry: expected <Start settings>, got %q", line)
	}

	line, ok = r.next()
	if !ok || !strings.Contains(line, "Description: "+wantDescription) {
		return nil, fmt.Errorf("track geometry: expected description %q, got %q", wantDescription, line)
	}

	var polys []geometry.Polygon
	for {
		line, ok = r.next()
		if !ok {
			return nil, fmt.Errorf("track geometry: unexpected end of file inside section")
		}
		if strings.Contains(line, "<End settings>") {
			return polys, nil
		}
		if !strings.Contains(line, "<polygon settings>") {
			return nil, fmt.Errorf("track geometry: expected <polygon settings> or <End settings>, got %q", line)
		}

		zoneID, err := parseTaggedInt(r, "Zone id:")
		if err != nil {
			return nil, err
		}
		xs, err := parseTaggedFloats(r, "nodes_x:")
		if err != nil {
			return nil, err
		}
		ys, err := parseTaggedFloats(r, "nodes_y:")
		if err != nil {
			return nil, err
		}
		polys = append(polys, geometry.Polygon{ZoneID: zoneID, X: xs, Y: ys})
	}
}

func skipSection(r *lineReader) error {
	line, ok := r.next()
	if !ok || !strings.Contains(line, "<Start settings>") {
		return fmt.Errorf("track geometry: expected <Start settings>, got %q", line)
	}
	for {
		line, ok = r.next()
		if !ok {
			return fmt.Errorf("track geometry: unexpected end of file inside section")
		}
		if strings.Contains(line, "<End settings>") {
			return nil
		}
	}
}

func parseTaggedInt(r *lineReader, tag string) (int, error) {
	line, ok := r.next()
	if !ok || !strings.Contains(line, tag) {
		return 0, fmt.Errorf("track geometry: expected %q, got %q", tag, line)
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, fmt.Errorf("track geometry: malformed %q line: %q", tag, line)
	}
	v, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("track geometry: malformed %q value: %w", tag, err)
	}
	return v, nil
}

func parseTaggedFloats(r *lineReader, tag string) ([]float64, error) {
	line, ok := r.next()
	if !ok || !strings.Contains(line, tag) {
		return nil, fmt.Errorf("track geometry: expected %q, got %q", tag, line)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("track geometry: malformed %q line: %q", tag, line)
	}
	out := make([]float64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("track geometry: malformed %q value %q: %w", tag, f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// lineReader skips blank lines, matching the original reader's behaviour
// of advancing past empty lines transparently.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(f *os.File) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(f)}
}

func (r *lineReader) next() (string, bool) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		return line, true
	}
	return "", false
}
