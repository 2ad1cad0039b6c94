package entitystore

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitybuffer"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *EntityStore {
	t.Helper()
	env, err := store.OpenEnv(filepath.Join(t.TempDir(), "entity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return New(env, domain.NewRegistry())
}

func TestAddThenReadLatest(t *testing.T) {
	s := newTestStore(t)
	var key keys.Key

	require.NoError(t, s.Update(func(w *Writer) error {
		var err error
		key, err = w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{
			"subject":   []byte("hello"),
			"messageId": []byte("m1"),
		}, nil, true)
		return err
	}))
	assert.Equal(t, keys.Revision(1), key.Rev)

	require.NoError(t, s.View(func(r *Reader) error {
		var found bool
		err := r.ReadLatest(domain.Mail, key.ID, func(k keys.Key, b entitybuffer.Buffer) error {
			found = true
			assert.Equal(t, "hello", string(b.Local["subject"]))
			assert.Equal(t, entitybuffer.Creation, b.Metadata.Operation)
			return nil
		})
		assert.True(t, found)
		return err
	}))
}

func TestModifyMergesPropertiesAndBumpsRevision(t *testing.T) {
	s := newTestStore(t)
	var id keys.Identifier

	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{
			"subject":   []byte("hello"),
			"messageId": []byte("m1"),
		}, nil, true)
		id = key.ID
		return err
	}))

	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Modify(domain.Mail, id, map[string][]byte{"subject": []byte("hi")}, nil, true)
		return err
	}))

	require.NoError(t, s.View(func(r *Reader) error {
		return r.ReadLatest(domain.Mail, id, func(k keys.Key, b entitybuffer.Buffer) error {
			assert.Equal(t, keys.Revision(2), k.Rev)
			assert.Equal(t, "hi", string(b.Local["subject"]))
			assert.Equal(t, "m1", string(b.Local["messageId"]))
			assert.Contains(t, b.Metadata.ModifiedProperties, "subject")
			return nil
		})
	}))
}

func TestModifyUnknownIdFailsWithNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(w *Writer) error {
		_, err := w.Modify(domain.Mail, keys.NewIdentifier(), map[string][]byte{"subject": []byte("x")}, nil, true)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveThenExistsFalse(t *testing.T) {
	s := newTestStore(t)
	var id keys.Identifier
	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"messageId": []byte("m1")}, nil, true)
		id = key.ID
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Remove(domain.Mail, id, true)
		return err
	}))

	require.NoError(t, s.View(func(r *Reader) error {
		exists, err := r.Exists(domain.Mail, id)
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	}))
}

func TestRemoveAlreadyRemovedFails(t *testing.T) {
	s := newTestStore(t)
	var id keys.Identifier
	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"messageId": []byte("m1")}, nil, true)
		id = key.ID
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Remove(domain.Mail, id, true)
		return err
	}))
	err := s.Update(func(w *Writer) error {
		_, err := w.Remove(domain.Mail, id, true)
		return err
	})
	assert.ErrorIs(t, err, ErrAlreadyRemoved)
}

func TestCleanupRevisionsDropsSupersededAndTombstones(t *testing.T) {
	s := newTestStore(t)
	var id keys.Identifier

	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"subject": []byte("hello"), "messageId": []byte("m1")}, nil, true)
		id = key.ID
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Modify(domain.Mail, id, map[string][]byte{"subject": []byte("hi")}, nil, true)
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Remove(domain.Mail, id, true)
		return err
	}))

	require.NoError(t, s.Update(func(w *Writer) error {
		return w.CleanupRevisions(3)
	}))

	require.NoError(t, s.View(func(r *Reader) error {
		exists, err := r.Exists(domain.Mail, id)
		require.NoError(t, err)
		assert.False(t, exists)

		var count int
		err = r.ReadRevisions(0, domain.Mail, func(k keys.Key) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, count)

		maxRev, err := r.MaxRevision()
		require.NoError(t, err)
		assert.Equal(t, keys.Revision(3), maxRev)

		cleanedUp, err := r.CleanedUpRevision()
		require.NoError(t, err)
		assert.Equal(t, keys.Revision(3), cleanedUp)
		return nil
	}))
}

// TestCleanupRevisionsAcrossTwoWindowsDropsStaleRevision covers an
// identifier whose true latest revision lies beyond the first cleanup's
// upTo: an in-window revision must not be kept as "latest" just because no
// later revision of that identifier fell inside the scanned window.
func TestCleanupRevisionsAcrossTwoWindowsDropsStaleRevision(t *testing.T) {
	s := newTestStore(t)
	var a, b keys.Identifier

	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"subject": []byte("a1"), "messageId": []byte("a")}, nil, true)
		a = key.ID
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"subject": []byte("b1"), "messageId": []byte("b")}, nil, true)
		b = key.ID
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Modify(domain.Mail, a, map[string][]byte{"subject": []byte("a2")}, nil, true)
		return err
	}))

	// Window (0,2]: a's rev 1 and b's rev 2. a's true latest (rev 3) lies
	// beyond upTo, so rev 1 must not be kept as a's "latest".
	require.NoError(t, s.Update(func(w *Writer) error {
		return w.CleanupRevisions(2)
	}))
	// Window (2,3]: a's rev 3, its true latest, is kept.
	require.NoError(t, s.Update(func(w *Writer) error {
		return w.CleanupRevisions(3)
	}))

	require.NoError(t, s.View(func(r *Reader) error {
		var count int
		err := r.ReadRevisions(0, domain.Mail, func(k keys.Key) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, count, "only b's rev 2 and a's rev 3 should remain live")

		var flat map[string][]byte
		err = r.ReadLatest(domain.Mail, a, func(_ keys.Key, b entitybuffer.Buffer) error {
			flat = mergedProps(b)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("a2"), flat["subject"])
		return nil
	}))
}

func TestReadRevisionsSinceRevision(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"messageId": []byte("a")}, nil, true)
		return err
	}))
	require.NoError(t, s.Update(func(w *Writer) error {
		_, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"messageId": []byte("b")}, nil, true)
		return err
	}))

	require.NoError(t, s.View(func(r *Reader) error {
		var revs []keys.Revision
		err := r.ReadRevisions(1, domain.Mail, func(k keys.Key) error {
			revs = append(revs, k.Rev)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []keys.Revision{2}, revs)
		return nil
	}))
}

func TestValueIndexLookupFindsByMessageId(t *testing.T) {
	s := newTestStore(t)
	var id keys.Identifier
	require.NoError(t, s.Update(func(w *Writer) error {
		key, err := w.Add(domain.Mail, keys.Identifier{}, map[string][]byte{"messageId": []byte("m1")}, nil, true)
		id = key.ID
		return err
	}))

	reg := domain.NewRegistry()
	desc, _ := reg.Describe(domain.Mail)
	var idx domain.IndexDescriptor
	for _, i := range desc.ValueIndexes {
		if i.Property == "messageId" {
			idx = i
		}
	}

	require.NoError(t, s.View(func(r *Reader) error {
		ids, err := r.ValueIndexLookup(domain.Mail, idx, []byte("m1"))
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, id, ids[0])
		return nil
	}))
}
