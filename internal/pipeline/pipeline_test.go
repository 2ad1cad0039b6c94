package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *entitystore.EntityStore) {
	t.Helper()
	env, err := store.OpenEnv(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	reg := domain.NewRegistry()
	es := entitystore.New(env, reg)
	broker := notifier.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(es, reg, broker, "res-1"), es
}

func TestNewEntityCmdWritesEntity(t *testing.T) {
	p, es := newTestPipeline(t)
	id := keys.NewIdentifier()

	var result Result
	err := es.Update(func(w *entitystore.Writer) error {
		var err error
		result, err = p.NewEntityCmd(w, command.CreateBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Inbox")},
		})
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Revision)
}

func TestModifiedEntityCmdMergesDelta(t *testing.T) {
	p, es := newTestPipeline(t)
	id := keys.NewIdentifier()

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := p.NewEntityCmd(w, command.CreateBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Inbox")},
		})
		return err
	}))

	var result Result
	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		var err error
		result, err = p.ModifiedEntityCmd(w, command.ModifyBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"enabled": []byte{1}},
		})
		return err
	}))
	assert.EqualValues(t, 2, result.Revision)
	assert.Empty(t, result.MovedToResource)
}

func TestModifiedEntityCmdHonorsMoveToResourcePreprocessor(t *testing.T) {
	p, es := newTestPipeline(t)
	id := keys.NewIdentifier()

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := p.NewEntityCmd(w, command.CreateBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Inbox")},
		})
		return err
	}))

	p.Use(domain.Folder, moveAlwaysPreprocessor{target: "other-resource"})

	var result Result
	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		var err error
		result, err = p.ModifiedEntityCmd(w, command.ModifyBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Archive")},
		})
		return err
	}))
	assert.Equal(t, "other-resource", result.MovedToResource)
	assert.Zero(t, result.Revision)
}

func TestDeletedEntityCmdRunsHookAndRemoves(t *testing.T) {
	p, es := newTestPipeline(t)
	id := keys.NewIdentifier()

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := p.NewEntityCmd(w, command.CreateBody{
			EntityID: id,
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Inbox")},
		})
		return err
	}))

	hook := &recordingPreprocessor{}
	p.Use(domain.Folder, hook)

	require.NoError(t, es.Update(func(w *entitystore.Writer) error {
		_, err := p.DeletedEntityCmd(w, command.DeleteBody{EntityID: id, Type: domain.Folder})
		return err
	}))
	assert.True(t, hook.deletedCalled)

	require.NoError(t, es.View(func(r *entitystore.Reader) error {
		exists, err := r.Exists(domain.Folder, id)
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	}))
}

func TestNewEntityCmdRejectedByPreprocessor(t *testing.T) {
	p, es := newTestPipeline(t)
	p.Use(domain.Folder, rejectingPreprocessor{})

	err := es.Update(func(w *entitystore.Writer) error {
		_, err := p.NewEntityCmd(w, command.CreateBody{
			EntityID: keys.NewIdentifier(),
			Type:     domain.Folder,
			Delta:    map[string][]byte{"name": []byte("Inbox")},
		})
		return err
	})
	assert.Error(t, err)
}

type moveAlwaysPreprocessor struct{ target string }

func (moveAlwaysPreprocessor) NewEntity(keys.Identifier, map[string][]byte) error { return nil }
func (m moveAlwaysPreprocessor) ModifiedEntity(keys.Identifier, map[string][]byte, map[string][]byte) (Action, string, error) {
	return MoveToResource, m.target, nil
}
func (moveAlwaysPreprocessor) DeletedEntity(keys.Identifier, map[string][]byte) error { return nil }

type recordingPreprocessor struct{ deletedCalled bool }

func (*recordingPreprocessor) NewEntity(keys.Identifier, map[string][]byte) error { return nil }
func (*recordingPreprocessor) ModifiedEntity(keys.Identifier, map[string][]byte, map[string][]byte) (Action, string, error) {
	return NoAction, "", nil
}
func (r *recordingPreprocessor) DeletedEntity(keys.Identifier, map[string][]byte) error {
	r.deletedCalled = true
	return nil
}

type rejectingPreprocessor struct{}

func (rejectingPreprocessor) NewEntity(keys.Identifier, map[string][]byte) error {
	return assert.AnError
}
func (rejectingPreprocessor) ModifiedEntity(keys.Identifier, map[string][]byte, map[string][]byte) (Action, string, error) {
	return NoAction, "", nil
}
func (rejectingPreprocessor) DeletedEntity(keys.Identifier, map[string][]byte) error { return nil }
