package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/domain"
)

func writeDescriptor(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resource.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesValidDescriptor(t *testing.T) {
	path := writeDescriptor(t, `
apiVersion: sink/v1
kind: SinkResource
metadata:
  name: work-imap
spec:
  resourceType: mail
  account: work
  dataDir: /var/lib/sink/work-imap
  adapter:
    host: imap.example.com
    port: "993"
`)

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "work-imap", d.Metadata.Name)
	assert.Equal(t, domain.Mail, d.EntityType())
	assert.Equal(t, "imap.example.com", d.Spec.Adapter["host"])
}

func TestLoadRejectsUnknownResourceType(t *testing.T) {
	path := writeDescriptor(t, `
apiVersion: sink/v1
kind: SinkResource
metadata:
  name: bogus
spec:
  resourceType: not-a-real-type
  dataDir: /tmp/x
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsWrongKind(t *testing.T) {
	path := writeDescriptor(t, `
apiVersion: sink/v1
kind: Service
metadata:
  name: bogus
spec:
  resourceType: mail
  dataDir: /tmp/x
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
