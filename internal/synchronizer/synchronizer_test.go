package synchronizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/changereplay"
	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitybuffer"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/queue"
	"github.com/cuemby/sink/internal/store"
)

type nopReplayer struct{}

func (nopReplayer) Replay(domain.EntityType, keys.Key, entitybuffer.Buffer) error { return nil }
func (nopReplayer) CanReplay(domain.EntityType, keys.Key, entitybuffer.Buffer) bool {
	return false
}
func (nopReplayer) NotReplaying(domain.EntityType, keys.Key, entitybuffer.Buffer) error {
	return nil
}

type fakeAdapter struct {
	calls  int
	result AdapterError
	run    func(query []byte, ops *Ops)
}

func (f *fakeAdapter) SynchronizeWithSource(query []byte, ops *Ops) AdapterError {
	f.calls++
	if f.run != nil {
		f.run(query, ops)
	}
	return f.result
}

func newTestSynchronizer(t *testing.T, adapter Adapter) (*Synchronizer, *entitystore.EntityStore, *queue.Queue) {
	t.Helper()

	entityEnv, err := store.OpenEnv(t.TempDir() + "/entities.db")
	require.NoError(t, err)
	t.Cleanup(func() { entityEnv.Close() })

	changeReplayEnv, err := store.OpenEnv(t.TempDir() + "/changereplay.db")
	require.NoError(t, err)
	t.Cleanup(func() { changeReplayEnv.Close() })

	syncEnv, err := store.OpenEnv(t.TempDir() + "/synchronization.db")
	require.NoError(t, err)
	t.Cleanup(func() { syncEnv.Close() })

	syncQ, err := queue.Open(t.TempDir()+"/synchronizerqueue.db", "synchronizerqueue")
	require.NoError(t, err)
	t.Cleanup(func() { syncQ.Close() })

	es := entitystore.New(entityEnv, domain.NewRegistry())
	engine := changereplay.New(changeReplayEnv, es, nopReplayer{}, nil, "res-1")
	broker := notifier.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	s := New(engine, syncEnv, es, syncQ, adapter, broker, "res-1")
	s.Start()
	t.Cleanup(s.Stop)
	return s, es, syncQ
}

func TestSynchronizeInvokesAdapterAndSetsConnectedStatus(t *testing.T) {
	adapter := &fakeAdapter{result: ErrNone}
	s, _, _ := newTestSynchronizer(t, adapter)

	require.NoError(t, s.Synchronize([]byte("folders")))

	require.Eventually(t, func() bool {
		return adapter.calls == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.CurrentStatus() == Connected
	}, time.Second, 10*time.Millisecond)
}

func TestSynchronizeMapsAdapterErrorToOfflineStatus(t *testing.T) {
	adapter := &fakeAdapter{result: ErrConnectionError}
	s, _, _ := newTestSynchronizer(t, adapter)

	require.NoError(t, s.Synchronize([]byte("folders")))

	require.Eventually(t, func() bool {
		return s.CurrentStatus() == Offline
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateSynchronizationRequestsAreDeduped(t *testing.T) {
	blocked := make(chan struct{})
	unblock := make(chan struct{})
	adapter := &fakeAdapter{result: ErrNone, run: func([]byte, *Ops) {
		close(blocked)
		<-unblock
	}}
	s, _, _ := newTestSynchronizer(t, adapter)

	require.NoError(t, s.Synchronize([]byte("q")))
	<-blocked
	require.NoError(t, s.Synchronize([]byte("q")))
	require.NoError(t, s.Synchronize([]byte("q")))
	close(unblock)

	require.Eventually(t, func() bool {
		return adapter.calls == 2
	}, time.Second, 10*time.Millisecond, "the two duplicate requests after the first in-flight call should dedup to one")
}

func TestFlushSynchronizationEmitsCompletionNotification(t *testing.T) {
	adapter := &fakeAdapter{result: ErrNone}
	s, _, _ := newTestSynchronizer(t, adapter)

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	require.NoError(t, s.FlushSynchronization("flush-1"))

	require.Eventually(t, func() bool {
		select {
		case n := <-sub:
			return n.Type == notifier.FlushCompletion && n.ID == "flush-1"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestCreateOrModifyCreatesThenModifiesSameRemoteID(t *testing.T) {
	s, _, syncQ := newTestSynchronizer(t, nil)
	remoteID := []byte("remote-42")

	require.NoError(t, s.CreateOrModify(domain.Folder, remoteID, map[string][]byte{"name": []byte("Inbox")}, nil))
	require.NoError(t, s.CreateOrModify(domain.Folder, remoteID, map[string][]byte{"name": []byte("Archive")}, nil))

	entries, err := syncQ.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestScanForRemovalsDeletesEntitiesMissingFromSource(t *testing.T) {
	s, es, syncQ := newTestSynchronizer(t, nil)
	remoteID := []byte("remote-1")

	require.NoError(t, s.CreateOrModify(domain.Folder, remoteID, map[string][]byte{"name": []byte("Inbox")}, nil))
	batch, err := syncQ.DequeueBatch(1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Apply the queued create into the main entity store, mirroring what
	// the command processor would normally do, so ScanForRemovals has a
	// local entity of this type to enumerate.
	envelope, err := command.DecodeEnvelope(batch[0].Payload)
	require.NoError(t, err)
	body, err := command.DecodeCreate(envelope.Payload)
	require.NoError(t, err)
	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := w.Add(body.Type, body.EntityID, body.Delta, nil, body.ReplayToSource)
		return err
	}))
	require.NoError(t, syncQ.AdvanceReplayed(batch[0].Revision))

	require.NoError(t, s.ScanForRemovals(domain.Folder, func(remoteID []byte) bool {
		return false
	}))

	deleteEntries, err := syncQ.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, deleteEntries, 1)
}
