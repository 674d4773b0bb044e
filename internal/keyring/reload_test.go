package keyring_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/agentkey/internal/keyring"
)

func managers(t *testing.T) (*keyring.Manager, *keyring.Manager) {
	t.Helper()
	data, err := keyring.NewRing([]keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: key(1, 32)}}, keyring.DataKeySize, true)
	require.NoError(t, err)
	signing, err := keyring.NewRing([]keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: key(9, 48)}}, keyring.MinSigningKeySize, false)
	require.NoError(t, err)
	return keyring.NewManager(data), keyring.NewManager(signing)
}

func TestReloadSwapsBothRings(t *testing.T) {
	data, signing := managers(t)
	core, logs := observer.New(zapcore.InfoLevel)
	reloader := keyring.NewReloader(data, signing, zap.New(core))

	heldData, heldSigning := data.Current(), signing.Current()

	err := reloader.Reload(
		[]keyring.Key{
			{Version: 1, Status: keyring.StatusRotated, Material: key(1, 32)},
			{Version: 2, Status: keyring.StatusActive, Material: key(2, 32)},
		},
		[]keyring.Key{
			{Version: 1, Status: keyring.StatusRotated, Material: key(9, 48)},
			{Version: 2, Status: keyring.StatusActive, Material: key(8, 48)},
		},
	)
	require.NoError(t, err)

	require.Equal(t, 2, data.Active().Version)
	require.Equal(t, 2, signing.Active().Version)
	_, err = data.Lookup(1)
	require.NoError(t, err)

	// Operations that took a ring before the reload finish against it.
	require.Equal(t, 1, heldData.Active().Version)
	require.Equal(t, 1, heldSigning.Active().Version)
	_, err = heldData.Lookup(2)
	require.ErrorIs(t, err, keyring.ErrUnknownVersion)

	entries := logs.FilterMessage("key rings reloaded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.EqualValues(t, 2, fields["data_active_version"])
	require.EqualValues(t, 1, fields["data_previous_active_version"])
	require.EqualValues(t, 2, fields["signing_active_version"])
}

func TestReloadRejectsInvalidSetsWithoutSwapping(t *testing.T) {
	data, signing := managers(t)
	reloader := keyring.NewReloader(data, signing, zap.NewNop())
	before := data.Current()

	good := []keyring.Key{
		{Version: 1, Status: keyring.StatusRotated, Material: key(1, 32)},
		{Version: 2, Status: keyring.StatusActive, Material: key(2, 32)},
	}
	err := reloader.Reload(good, []keyring.Key{{Version: 1, Status: keyring.StatusRotated, Material: key(9, 48)}})
	require.Error(t, err)
	require.Same(t, before, data.Current())
	require.Equal(t, 1, signing.Active().Version)

	err = reloader.Reload([]keyring.Key{{Version: 2, Status: keyring.StatusActive, Material: key(2, 16)}}, nil)
	require.Error(t, err)
	require.Same(t, before, data.Current())
}

func TestReloadDuringConcurrentReads(t *testing.T) {
	data, signing := managers(t)
	reloader := keyring.NewReloader(data, signing, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ring := data.Current()
				active := ring.Active()
				got, err := ring.Lookup(active.Version)
				assert.NoError(t, err)
				assert.Equal(t, active.Material, got.Material)
			}
		}()
	}
	for v := 2; v <= 5; v++ {
		keys := []keyring.Key{{Version: v, Status: keyring.StatusActive, Material: key(byte(v), 32)}}
		for old := 1; old < v; old++ {
			keys = append(keys, keyring.Key{Version: old, Status: keyring.StatusRotated, Material: key(byte(old), 32)})
		}
		require.NoError(t, reloader.Reload(keys, []keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: key(9, 48)}}))
	}
	wg.Wait()
	require.Equal(t, 5, data.Active().Version)
}
