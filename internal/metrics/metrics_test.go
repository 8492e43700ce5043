package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	before := testutil.ToFloat64(BlobsDownloaded)
	BlobsDownloaded.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(BlobsDownloaded))

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	require.True(t, names["okufs_blobs_downloaded_total"])
	require.True(t, names["go_goroutines"])
}

func TestResult(t *testing.T) {
	require.Equal(t, "ok", Result(nil))
	require.Equal(t, "error", Result(errors.New("x")))
}
