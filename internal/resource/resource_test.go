package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

// maxRevisionOrZero reads MaxRevision, treating a not-yet-initialized
// "default" bucket (a brand new environment that has never committed a
// write) the same as revision zero.
func maxRevisionOrZero(t *testing.T, es *entitystore.EntityStore) keys.Revision {
	t.Helper()
	var rev keys.Revision
	err := es.View(func(reader *entitystore.Reader) error {
		var err error
		rev, err = reader.MaxRevision()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	require.NoError(t, err)
	return rev
}

func openTestResource(t *testing.T) *Resource {
	t.Helper()
	r, err := Open(Config{
		ResourceType: domain.Mail,
		InstanceID:   "test-instance",
		DataDir:      t.TempDir(),
	})
	require.NoError(t, err)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestOpenWiresAllFiveEnvironments(t *testing.T) {
	r := openTestResource(t)
	assert.NotNil(t, r.mainEnv)
	assert.NotNil(t, r.changeReplayEnv)
	assert.NotNil(t, r.syncEnv)
	assert.NotNil(t, r.userQueue)
	assert.NotNil(t, r.syncQueue)
}

func TestHandleCreateCommitsBeforeReturning(t *testing.T) {
	r := openTestResource(t)

	id := keys.NewIdentifier()
	body, err := command.Encode(command.Create, command.CreateBody{
		EntityID: id,
		Type:     domain.Mail,
		Delta:    map[string][]byte{"subject": []byte("hello")},
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleCreate("msg-1", body))

	rev := maxRevisionOrZero(t, r.entities)
	assert.Greater(t, uint64(rev), uint64(0))
}

func TestHandleSecretRoundtripsThroughVault(t *testing.T) {
	r := openTestResource(t)

	require.NoError(t, r.HandleSecret([]byte("s3cr3t")))

	got, err := r.vault.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), got)
}

func TestHandleInspectionWithoutInspectorFails(t *testing.T) {
	r := openTestResource(t)

	_, err := r.HandleInspection([]byte("probe"))
	assert.Error(t, err)
}

func TestHandleFlushReplayQueueDrainsQueue(t *testing.T) {
	r := openTestResource(t)

	id := keys.NewIdentifier()
	body, err := command.Encode(command.Create, command.CreateBody{
		EntityID: id,
		Type:     domain.Mail,
		Delta:    map[string][]byte{"subject": []byte("hi")},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleCreate("msg-1", body))

	require.NoError(t, r.HandleFlush("flush-1", uint8(command.FlushReplayQueue)))

	depth, err := r.userQueue.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestHandleShutdownStopsTheEventLoop(t *testing.T) {
	r, err := Open(Config{
		ResourceType: domain.Mail,
		InstanceID:   "shutdown-test",
		DataDir:      t.TempDir(),
	})
	require.NoError(t, err)
	r.Start()

	require.NoError(t, r.HandleShutdown())

	require.Eventually(t, func() bool {
		select {
		case <-r.done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestHandleRemoveFromDiskClearsEnvironments(t *testing.T) {
	r := openTestResource(t)
	dataDir := r.cfg.DataDir

	require.NoError(t, r.HandleRemoveFromDisk())

	fresh, err := Open(Config{
		ResourceType: domain.Mail,
		InstanceID:   "test-instance",
		DataDir:      dataDir,
	})
	require.NoError(t, err)
	t.Cleanup(fresh.Stop)

	assert.Equal(t, keys.Revision(0), maxRevisionOrZero(t, fresh.entities))
}
