package source_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/stretchr/testify/require"
)

func TestCSVSource_readsTypedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), `input.csv`)
	require.NoError(t, os.WriteFile(path, []byte(
		"value,id,ts\n"+
			"1,1,1000\n"+
			"1,1,1200\n"+
			"2,1,1900\n"+
			"3,1,2100\n",
	), 0o644))

	cfg := source.Config{
		OperatorID:    1,
		OriginID:      5,
		Schema:        testSchema(),
		GatheringMode: source.ModeInterval,
	}
	impl := source.NewCSVSource(source.CSVSourceConfig{Path: path, SkipHeader: true, TuplesPerBuffer: 2})
	_, sink, plan := runSource(t, cfg, impl)
	select {
	case <-plan.Done():
	case <-time.After(10 * time.Second):
		t.Fatal(`plan did not finish`)
	}
	require.Equal(t, query.Finished, plan.Status())
	require.Equal(t, uint64(4), sink.tuples)
	require.Equal(t, uint64(2), sink.buffers)
}

func TestCSVSource_missingFileFailsPlan(t *testing.T) {
	cfg := source.Config{
		OperatorID:    1,
		OriginID:      5,
		Schema:        testSchema(),
		GatheringMode: source.ModeInterval,
		StopTimeout:   5 * time.Second,
	}
	impl := source.NewCSVSource(source.CSVSourceConfig{Path: `/nonexistent/input.csv`})
	_, _, plan := runSource(t, cfg, impl)
	select {
	case <-plan.Done():
	case <-time.After(10 * time.Second):
		t.Fatal(`plan did not terminate`)
	}
	require.Equal(t, query.ErrorState, plan.Status())
}
