package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrackFile = `<Zone Objects> 1
<Start settings>
Description: Zone geometry
<polygon settings>
Zone id: 1
nodes_x: 0 10 10 0
nodes_y: 0 0 10 10
<polygon settings>
Zone id: 2
nodes_x: 20 30 30 20
nodes_y: 0 0 10 10
<End settings>
`

func writeTrackFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.trackgeometry")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseTrackFileParsesZonePolygons(t *testing.T) {
	path := writeTrackFile(t, sampleTrackFile)
	geo, err := ParseTrackFile(path)
	require.NoError(t, err)
	require.Len(t, geo.Zone, 2)
	assert.Equal(t, 1, geo.Zone[0].ZoneID)
	assert.Equal(t, []float64{0, 10, 10, 0}, geo.Zone[0].X)
	assert.Equal(t, 2, geo.Zone[1].ZoneID)
}

func TestParseTrackFileIgnoresUnknownSections(t *testing.T) {
	path := writeTrackFile(t, "<Rangeline Object> 1\n<Start settings>\nfoo\n<End settings>\n"+sampleTrackFile)
	geo, err := ParseTrackFile(path)
	require.NoError(t, err)
	assert.Len(t, geo.Zone, 2)
}

func TestParseTrackFileFailsOnMalformedSection(t *testing.T) {
	bad := `<Zone Objects> 1
<Start settings>
Description: Zone geometry
<polygon settings>
nodes_x: 0 10
nodes_y: 0 10
<End settings>
`
	path := writeTrackFile(t, bad)
	_, err := ParseTrackFile(path)
	assert.Error(t, err)
}
