package feed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFileSplitsOnID(t *testing.T) {
	path := writeFeed(t, `id:IDS60901
name:Adelaide
air_temp:13.3
id:IDS60902
name:Mount Gambier
air_temp:9.9
`)
	entries, err := ParseFile(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "IDS60901", entries[0].ID())
	assert.Equal(t, "IDS60902", entries[1].ID())
	assert.Equal(t, `{"id":"IDS60901","name":"Adelaide","air_temp":"13.3"}`, entries[0].Body())
}

func TestParseFileSkipsJunkLines(t *testing.T) {
	path := writeFeed(t, `stray-line-without-colon
air_temp:5.0
id:S1

wind_dir : NW
`)
	entries, err := ParseFile(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The colon-less line and the pre-id field are dropped, the blank line
	// is ignored, and padded keys and values come back trimmed.
	assert.Equal(t, `{"id":"S1","wind_dir":"NW"}`, entries[0].Body())
}

func TestParseFileDropsEntryWithEmptyID(t *testing.T) {
	path := writeFeed(t, `id:
air_temp:1.0
id:S2
air_temp:2.0
`)
	entries, err := ParseFile(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "S2", entries[0].ID())
}

func TestParseFileEmpty(t *testing.T) {
	entries, err := ParseFile(writeFeed(t, ""), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.txt"), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBodyEscapesQuotes(t *testing.T) {
	e := &Entry{Fields: []Field{
		{Key: "id", Value: "S1"},
		{Key: "note", Value: `say "hi"`},
	}}
	assert.Equal(t, `{"id":"S1","note":"say \"hi\""}`, e.Body())
}

func TestValueKeepsExtraColons(t *testing.T) {
	path := writeFeed(t, "id:S1\nlocal_date_time_full:20230715163000\nstamp:16:30:00\n")
	entries, err := ParseFile(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Body(), `"stamp":"16:30:00"`)
}
