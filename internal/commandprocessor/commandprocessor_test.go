package commandprocessor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/pipeline"
	"github.com/cuemby/sink/internal/queue"
	"github.com/cuemby/sink/internal/store"
)

type fakeSynchronizer struct {
	synchronizeCalls        int
	flushSynchronizationIDs []string
}

func (f *fakeSynchronizer) Synchronize(queryBytes []byte) error {
	f.synchronizeCalls++
	return nil
}

func (f *fakeSynchronizer) FlushSynchronization(flushID string) error {
	f.flushSynchronizationIDs = append(f.flushSynchronizationIDs, flushID)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *entitystore.EntityStore, *queue.Queue, *queue.Queue) {
	t.Helper()
	env, err := store.OpenEnv(t.TempDir() + "/entities.db")
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	reg := domain.NewRegistry()
	es := entitystore.New(env, reg)
	broker := notifier.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pl := pipeline.New(es, reg, broker, "res-1")

	userQ, err := queue.Open(t.TempDir()+"/userqueue.db", "userqueue")
	require.NoError(t, err)
	t.Cleanup(func() { userQ.Close() })

	syncQ, err := queue.Open(t.TempDir()+"/syncqueue.db", "synchronizerqueue")
	require.NoError(t, err)
	t.Cleanup(func() { syncQ.Close() })

	p := New(pl, es, userQ, syncQ, broker, "res-1")
	return p, es, userQ, syncQ
}

func TestProcessAllMessagesAppliesCreateCommand(t *testing.T) {
	p, es, userQ, _ := newTestProcessor(t)
	id := keys.NewIdentifier()

	require.NoError(t, p.ProcessCommand(command.Create, command.CreateBody{
		EntityID: id,
		Type:     domain.Folder,
		Delta:    map[string][]byte{"name": []byte("Inbox")},
	}, userQ))

	require.NoError(t, p.ProcessAllMessages())

	require.NoError(t, es.View(func(r *entitystore.Reader) error {
		exists, err := r.Exists(domain.Folder, id)
		require.NoError(t, err)
		assert.True(t, exists)
		return nil
	}))

	empty, err := userQ.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestProcessAllMessagesPrioritizesUserQueueOverSynchronizerQueue(t *testing.T) {
	p, es, userQ, syncQ := newTestProcessor(t)
	userID := keys.NewIdentifier()
	syncID := keys.NewIdentifier()

	envelope, err := command.Encode(command.Create, command.CreateBody{
		EntityID: syncID,
		Type:     domain.Folder,
		Delta:    map[string][]byte{"name": []byte("FromSync")},
	})
	require.NoError(t, err)
	require.NoError(t, syncQ.Update(func(w *queue.Writer) error {
		_, err := w.Enqueue(envelope)
		return err
	}))

	require.NoError(t, p.ProcessCommand(command.Create, command.CreateBody{
		EntityID: userID,
		Type:     domain.Folder,
		Delta:    map[string][]byte{"name": []byte("FromUser")},
	}, userQ))

	require.NoError(t, p.ProcessAllMessages())

	require.NoError(t, es.View(func(r *entitystore.Reader) error {
		for _, id := range []keys.Identifier{userID, syncID} {
			exists, err := r.Exists(domain.Folder, id)
			require.NoError(t, err)
			assert.True(t, exists)
		}
		return nil
	}))
}

func TestFlushReplayQueueEmitsCompletion(t *testing.T) {
	p, _, userQ, _ := newTestProcessor(t)

	broker := notifier.NewBroker()
	broker.Start()
	defer broker.Stop()
	p.broker = broker
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	require.NoError(t, p.ProcessCommand(command.Create, command.CreateBody{
		EntityID: keys.NewIdentifier(),
		Type:     domain.Folder,
		Delta:    map[string][]byte{"name": []byte("Inbox")},
	}, userQ))

	envelope, err := command.Encode(command.Flush, command.FlushBody{ID: "flush-1", Type: command.FlushReplayQueue})
	require.NoError(t, err)
	require.NoError(t, userQ.Update(func(w *queue.Writer) error {
		_, err := w.Enqueue(envelope)
		return err
	}))

	require.NoError(t, p.ProcessAllMessages())

	foundFlush := false
	for {
		select {
		case n := <-sub:
			if n.Type == notifier.FlushCompletion && n.ID == "flush-1" {
				foundFlush = true
			}
		default:
			assert.True(t, foundFlush, "expected a FlushCompletion notification for flush-1")
			return
		}
	}
}

func TestSynchronizeCommandForwardsToSynchronizer(t *testing.T) {
	p, _, userQ, _ := newTestProcessor(t)
	sync := &fakeSynchronizer{}
	p.SetSynchronizer(sync)

	require.NoError(t, p.ProcessCommand(command.Synchronize, command.SynchronizeBody{QueryBytes: []byte("q")}, userQ))
	assert.Equal(t, 1, sync.synchronizeCalls)

	empty, err := userQ.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty, "Synchronize commands bypass the userqueue")
}

func TestFlushSynchronizationForwardsDirectly(t *testing.T) {
	p, _, userQ, _ := newTestProcessor(t)
	sync := &fakeSynchronizer{}
	p.SetSynchronizer(sync)

	require.NoError(t, p.ProcessCommand(command.Flush, command.FlushBody{ID: "f1", Type: command.FlushSynchronization}, userQ))
	assert.Equal(t, []string{"f1"}, sync.flushSynchronizationIDs)

	empty, err := userQ.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}
