package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecret(t *testing.T, path, username, password string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"username":       username,
		"password":       password,
		"lease_id":       "lease-" + username,
		"lease_duration": 60,
		"renewable":      true,
	})
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestGetCurrent_MissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "database.json"), nil)

	_, err := s.GetCurrent(context.Background())
	assert.ErrorIs(t, err, common.ErrCredentialsUnavailable)
	assert.Equal(t, Uninitialized, s.State())
	assert.False(t, s.Available())
}

func TestGetCurrent_LoadsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	writeSecret(t, path, "app", "pw")

	s := NewStore(path, nil)
	var reads atomic.Int32
	orig := s.readFile
	s.readFile = func(p string) ([]byte, error) {
		reads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return orig(p)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := s.GetCurrent(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "app", cred.Username)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reads.Load())
	assert.Equal(t, Loaded, s.State())
}

func TestGetCurrent_CanceledWhileWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	writeSecret(t, path, "app", "pw")
	s := NewStore(path, nil)

	require.True(t, s.reload.TryAcquire(1))
	defer s.reload.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.GetCurrent(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReload_KeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	writeSecret(t, path, "app", "pw")
	s := NewStore(path, nil)

	_, err := s.GetCurrent(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	rotated, err := s.Reload(context.Background())
	assert.Error(t, err)
	assert.False(t, rotated)

	require.NoError(t, os.Remove(path))
	_, err = s.Reload(context.Background())
	assert.Error(t, err)

	cred, err := s.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "app", cred.Username)
	assert.Equal(t, Loaded, s.State())
}

func TestReload_FirstLoadIsNotRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	writeSecret(t, path, "app", "pw")
	s := NewStore(path, nil)
	sub := s.Subscribe()
	defer sub.Close()

	rotated, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, Loaded, s.State())
	assert.Len(t, sub.C, 0)
}

func TestReload_RotationNotifiesSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	writeSecret(t, path, "app-1", "pw1")
	s := NewStore(path, nil)
	_, err := s.GetCurrent(context.Background())
	require.NoError(t, err)

	sub1, sub2 := s.Subscribe(), s.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	writeSecret(t, path, "app-1", "pw1b")
	rotated, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, rotated, "same username is a refresh, not a rotation")

	cred, _ := s.GetCurrent(context.Background())
	assert.Equal(t, "pw1b", cred.Password)

	writeSecret(t, path, "app-2", "pw2")
	rotated, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, RotationInFlight, s.State())

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.C:
			assert.Equal(t, "app-2", got.Username)
		default:
			t.Fatal("expected rotation notification")
		}
	}
}

func TestSubscription_LatestWins(t *testing.T) {
	s := NewStore("unused", nil)
	sub := s.Subscribe()
	defer sub.Close()

	s.publish(DatabaseCredential{Username: "a"})
	s.publish(DatabaseCredential{Username: "b"})
	s.publish(DatabaseCredential{Username: "c"})

	got := <-sub.C
	assert.Equal(t, "c", got.Username)
	assert.Len(t, sub.C, 0)
}

func TestSubscription_Close(t *testing.T) {
	s := NewStore("unused", nil)
	sub := s.Subscribe()

	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	assert.NotPanics(t, func() { s.publish(DatabaseCredential{Username: "x"}) })
}

func TestGetCurrent_NeverTorn(t *testing.T) {
	s := NewStore("unused", nil)

	docs := [][]byte{
		[]byte(`{"username":"alpha","password":"alpha-pw"}`),
		[]byte(`{"username":"beta","password":"beta-pw"}`),
	}
	var n atomic.Int64
	s.readFile = func(string) ([]byte, error) {
		src := docs[n.Add(1)%2]
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	}

	_, err := s.GetCurrent(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_, _ = s.Reload(ctx)
		}
	}()

	for i := 0; i < 10000; i++ {
		cred, err := s.GetCurrent(context.Background())
		require.NoError(t, err)
		require.Equal(t, cred.Username+"-pw", cred.Password)
	}
	cancel()
	wg.Wait()
}

func TestLoad_SurfacesReadErrors(t *testing.T) {
	s := NewStore("unused", nil)
	boom := errors.New("permission denied")
	s.readFile = func(string) ([]byte, error) { return nil, boom }

	_, err := s.GetCurrent(context.Background())
	assert.ErrorIs(t, err, common.ErrCredentialsUnavailable)
	assert.ErrorIs(t, err, boom)
}
