package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/agencydesk/store/kv"
	kvfile "github.com/voyantlabs/agencydesk/store/kv/file"
)

// memDriver is an in-memory kv.Driver for tests.
type memDriver struct {
	data map[string][]byte
}

func newMemDriver() *memDriver {
	return &memDriver{data: make(map[string][]byte)}
}

func (d *memDriver) Get(key string) ([]byte, error) {
	v, ok := d.data[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return v, nil
}

func (d *memDriver) Set(key string, value []byte) error {
	d.data[key] = append([]byte(nil), value...)
	return nil
}

func (d *memDriver) Delete(key string) error {
	delete(d.data, key)
	return nil
}

func (d *memDriver) Close() error { return nil }

func entry(token, thread, content string) Entry {
	return Entry{
		ClientMessageID: token,
		ThreadID:        thread,
		Content:         content,
		TempID:          "tmp-" + token,
	}
}

func TestEnqueueDedupByToken(t *testing.T) {
	q, err := New(newMemDriver())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "hello")))
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "hello")))
	require.Equal(t, 1, q.Len())
}

func TestQueueSurvivesRestart(t *testing.T) {
	driver, err := kvfile.NewDB(t.TempDir())
	require.NoError(t, err)

	q, err := New(driver)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "first")))
	require.NoError(t, q.Enqueue(entry("tok-2", "th-1", "second")))

	// A fresh queue over the same storage sees the same entries in order.
	q2, err := New(driver)
	require.NoError(t, err)
	entries := q2.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "tok-1", entries[0].ClientMessageID)
	require.Equal(t, "tok-2", entries[1].ClientMessageID)
}

func TestCorruptStorageResetsClean(t *testing.T) {
	driver := newMemDriver()
	require.NoError(t, driver.Set(StorageKey, []byte("{not json")))

	q, err := New(driver)
	require.NoError(t, err)
	require.True(t, q.IsEmpty())

	_, err = driver.Get(StorageKey)
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestDrainDeliversInOrder(t *testing.T) {
	q, err := New(newMemDriver())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))
	require.NoError(t, q.Enqueue(entry("tok-2", "th-1", "b")))
	require.NoError(t, q.Enqueue(entry("tok-3", "th-2", "c")))

	var sent []string
	err = q.Drain(context.Background(), func(_ context.Context, e Entry) error {
		sent = append(sent, e.ClientMessageID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"tok-1", "tok-2", "tok-3"}, sent)
	require.True(t, q.IsEmpty())
}

func TestDrainStopsWhenOffline(t *testing.T) {
	driver := newMemDriver()
	q, err := New(driver)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))
	require.NoError(t, q.Enqueue(entry("tok-2", "th-1", "b")))

	calls := 0
	err = q.Drain(context.Background(), func(_ context.Context, e Entry) error {
		calls++
		if e.ClientMessageID == "tok-2" {
			return ErrOffline
		}
		return nil
	})
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, 2, calls)

	// tok-2 stays at the head for the next pass.
	entries := q.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "tok-2", entries[0].ClientMessageID)
}

func TestDrainStopsOnSendFailure(t *testing.T) {
	q, err := New(newMemDriver())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))
	require.NoError(t, q.Enqueue(entry("tok-2", "th-1", "b")))

	boom := context.DeadlineExceeded
	err = q.Drain(context.Background(), func(_ context.Context, e Entry) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, q.Len())
}

func TestRemoveOnLiveConfirmation(t *testing.T) {
	driver := newMemDriver()
	q, err := New(driver)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))
	require.NoError(t, q.Enqueue(entry("tok-2", "th-1", "b")))

	require.NoError(t, q.Remove("tok-1"))
	entries := q.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "tok-2", entries[0].ClientMessageID)

	// Removing an unknown token is a no-op.
	require.NoError(t, q.Remove("tok-9"))
	require.Equal(t, 1, q.Len())
}

func TestEmptyQueueClearsStorageKey(t *testing.T) {
	driver := newMemDriver()
	q, err := New(driver)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))
	require.NoError(t, q.Remove("tok-1"))

	_, err = driver.Get(StorageKey)
	require.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestDrainWithCanceledContext(t *testing.T) {
	q, err := New(newMemDriver())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(entry("tok-1", "th-1", "a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = q.Drain(ctx, func(_ context.Context, _ Entry) error {
		t.Fatal("sender must not run with a canceled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, q.Len())
}
