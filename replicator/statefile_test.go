package replicator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.repliset.dev/core/gcs/loopback"
)

func newStateFileNode(t *testing.T, fs afero.Fs) *Replicator {
	var r, err = New(DefaultConfig(), Callbacks{}, loopback.New("statefile-test"))
	require.NoError(t, err)
	r.fs = fs
	return r
}

func TestStateFileRoundTrip(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var stateUUID = uuid.MustParse("9f2c1a34-0d7e-4b6a-91c5-08f2ab36d401")

	var r = newStateFileNode(t, fs)
	r.mu.Lock()
	r.stateUUID = stateUUID
	r.mu.Unlock()
	r.applyMon.SetInitialPosition(42)
	r.storeState()

	// A fresh node restores the stored identity and position.
	var r2 = newStateFileNode(t, fs)
	r2.restoreState()

	r2.mu.Lock()
	require.Equal(t, stateUUID, r2.stateUUID)
	r2.mu.Unlock()
	require.Equal(t, int64(42), r2.applyMon.LastLeft())
	require.Equal(t, int64(42), r2.cert.Position())
}

func TestStateFileInvalidate(t *testing.T) {
	var fs = afero.NewMemMapFs()

	var r = newStateFileNode(t, fs)
	r.mu.Lock()
	r.stateUUID = uuid.New()
	r.mu.Unlock()
	r.applyMon.SetInitialPosition(42)
	r.storeState()
	r.invalidateState()

	var r2 = newStateFileNode(t, fs)
	r2.restoreState()

	r2.mu.Lock()
	require.Equal(t, uuid.Nil, r2.stateUUID)
	r2.mu.Unlock()
	require.Equal(t, SeqnoUndefined, r2.applyMon.LastLeft())
}

func TestStateFileMissingIsTolerated(t *testing.T) {
	var r = newStateFileNode(t, afero.NewMemMapFs())
	r.restoreState() // No file: identity stays undefined.

	r.mu.Lock()
	require.Equal(t, uuid.Nil, r.stateUUID)
	r.mu.Unlock()
}
