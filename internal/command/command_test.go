package command

import (
	"testing"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBodyRoundtrip(t *testing.T) {
	body := CreateBody{
		EntityID:       keys.NewIdentifier(),
		Type:           domain.Mail,
		Delta:          map[string][]byte{"subject": []byte("hello")},
		ReplayToSource: true,
	}
	raw, err := Encode(Create, body)
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, Create, env.ID)

	decoded, err := DecodeCreate(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestModifyBodyRoundtrip(t *testing.T) {
	body := ModifyBody{
		Revision:           3,
		EntityID:           keys.NewIdentifier(),
		Deletions:          []string{"unread"},
		Type:               domain.Mail,
		Delta:              map[string][]byte{"subject": []byte("hi")},
		ReplayToSource:     false,
		ModifiedProperties: []string{"subject"},
	}
	raw, err := Encode(Modify, body)
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, Modify, env.ID)
	decoded, err := DecodeModify(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestFlushBodyRoundtrip(t *testing.T) {
	body := FlushBody{ID: "f1", Type: FlushReplayQueue}
	raw, err := Encode(Flush, body)
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	decoded, err := DecodeFlush(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "Create", Create.String())
	assert.Equal(t, "Synchronize", Synchronize.String())
}
