package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileStopsAtSampleLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackLog.csv")
	require.NoError(t, os.WriteFile(path, []byte(torqueLog(catalystHeader+",Mystery Column", 100, func(i int) string {
		return catalystRow(i) + ",7"
	})), 0o644))

	p := newTestParser(t, nil, nil, ParserConfig{SampleRows: 50})
	prof, err := p.Profile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "trackLog.csv", prof.FileName)
	assert.True(t, prof.Header.Valid)
	assert.Equal(t, 6, prof.Mapping.TotalColumns)
	assert.Equal(t, []string{"Mystery Column"}, prof.Unmapped)
	assert.Equal(t, 50, prof.Columns.SampledRows)
	assert.True(t, prof.Columns.Validations["engine_rpm"].Valid)

	var catalystOK bool
	for _, f := range prof.Columns.Feasibility {
		if f.Type == "catalyst" {
			catalystOK = f.Available
		}
	}
	assert.True(t, catalystOK, "catalyst diagnostic should be feasible")
}

func TestProfileInvalidHeaderIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("Engine RPM(rpm),Speed (OBD)(km/h),Foo\n800,10,1\n"), 0o644))

	p := newTestParser(t, nil, nil, ParserConfig{})
	prof, err := p.Profile(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, prof.Header.Valid)
	assert.Contains(t, prof.Header.Errors, msgNoTimestamp)
	assert.Zero(t, prof.Columns.SampledRows)
}

func TestProfileMissingFile(t *testing.T) {
	p := newTestParser(t, nil, nil, ParserConfig{})
	_, err := p.Profile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorContains(t, err, "open log file")
}
