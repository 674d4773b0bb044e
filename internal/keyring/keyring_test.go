package keyring_test

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/keyring"
)

func key(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func TestNewRingRequiresSingleActive(t *testing.T) {
	_, err := keyring.NewRing([]keyring.Key{
		{Version: 1, Status: keyring.StatusActive, Material: key(1, 32)},
		{Version: 2, Status: keyring.StatusActive, Material: key(2, 32)},
	}, keyring.DataKeySize, true)
	require.Error(t, err)

	_, err = keyring.NewRing([]keyring.Key{
		{Version: 1, Status: keyring.StatusRotated, Material: key(1, 32)},
	}, keyring.DataKeySize, true)
	require.Error(t, err)

	_, err = keyring.NewRing([]keyring.Key{
		{Version: 1, Status: keyring.StatusActive, Material: key(1, 16)},
	}, keyring.DataKeySize, true)
	require.Error(t, err)
}

func TestRingLookup(t *testing.T) {
	ring, err := keyring.NewRing([]keyring.Key{
		{Version: 1, Status: keyring.StatusArchived, Material: key(1, 32)},
		{Version: 2, Status: keyring.StatusRotated, Material: key(2, 32)},
		{Version: 3, Status: keyring.StatusActive, Material: key(3, 32)},
	}, keyring.DataKeySize, true)
	require.NoError(t, err)

	require.Equal(t, 3, ring.Active().Version)
	require.Equal(t, []int{1, 2, 3}, ring.Versions())

	k, err := ring.Lookup(2)
	require.NoError(t, err)
	require.Equal(t, key(2, 32), k.Material)

	_, err = ring.Lookup(1)
	require.ErrorIs(t, err, keyring.ErrArchivedVersion)

	_, err = ring.Lookup(9)
	require.ErrorIs(t, err, keyring.ErrUnknownVersion)
}

func TestParse(t *testing.T) {
	spec := fmt.Sprintf("1:rotated:%s, 2:ACTIVE:%s",
		base64.StdEncoding.EncodeToString(key(1, 32)),
		base64.StdEncoding.EncodeToString(key(2, 32)))
	keys, err := keyring.Parse(spec)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, keyring.StatusActive, keys[1].Status)

	_, err = keyring.Parse("1:active")
	require.Error(t, err)
	_, err = keyring.Parse("x:active:AAAA")
	require.Error(t, err)
}

func TestDerive(t *testing.T) {
	salt := key(7, 16)
	a, err := keyring.Derive([]byte("correct horse"), salt)
	require.NoError(t, err)
	require.Len(t, a, keyring.DataKeySize)

	b, err := keyring.Derive([]byte("correct horse"), salt)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = keyring.Derive([]byte("correct horse"), key(7, 4))
	require.Error(t, err)
}

func TestManagerSwapIsVisibleToReaders(t *testing.T) {
	first, err := keyring.NewRing([]keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: key(1, 32)}}, 32, true)
	require.NoError(t, err)
	second, err := keyring.NewRing([]keyring.Key{
		{Version: 1, Status: keyring.StatusRotated, Material: key(1, 32)},
		{Version: 2, Status: keyring.StatusActive, Material: key(2, 32)},
	}, 32, true)
	require.NoError(t, err)

	m := keyring.NewManager(first)
	held := m.Current()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := m.Active().Version
			assert.Contains(t, []int{1, 2}, v)
		}()
	}
	require.Same(t, first, m.Swap(second))
	wg.Wait()

	require.Equal(t, 2, m.Active().Version)
	require.Equal(t, 1, held.Active().Version)
}
