package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllBuiltinTypes(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []EntityType{Mail, Folder, Contact, Addressbook, Event, Todo, Calendar, SinkResource, SinkAccount, Identity} {
		d, ok := r.Describe(typ)
		require.Truef(t, ok, "expected %s to be registered", typ)
		assert.Equal(t, typ, d.Type)
		assert.NotEmpty(t, d.Properties)
	}
}

func TestMailDescriptorDeclaresThreadingAndFolderIndexes(t *testing.T) {
	r := NewRegistry()
	d, ok := r.Describe(Mail)
	require.True(t, ok)

	var foundFolderSecondary bool
	for _, idx := range d.SecondaryIndexes {
		if idx.Property == "folder" && idx.ReferencedType == Folder {
			foundFolderSecondary = true
		}
	}
	assert.True(t, foundFolderSecondary, "Mail should secondary-index folder -> Folder")

	var foundSortedByDate bool
	for _, idx := range d.SortedIndexes {
		if idx.Property == "folder" && idx.SortProperty == "date" {
			foundSortedByDate = true
		}
	}
	assert.True(t, foundSortedByDate, "Mail should sort folder contents by date")
}

func TestIndexDescriptorBucketNaming(t *testing.T) {
	value := IndexDescriptor{Kind: ValueIndex, Property: "messageId"}
	assert.Equal(t, "mail.index.messageId", value.BucketName(Mail))

	sorted := IndexDescriptor{Kind: SortedIndex, Property: "folder", SortProperty: "date"}
	assert.Equal(t, "mail.index.folder.sort.date", sorted.BucketName(Mail))
}

func TestEntityTypeStringUnknown(t *testing.T) {
	var unknown EntityType = 200
	assert.Contains(t, unknown.String(), "EntityType(200)")
}

func TestPropertyCodecsRoundtrip(t *testing.T) {
	assert.Equal(t, "hello", DecodeString(EncodeString("hello")))
	assert.Equal(t, true, DecodeBool(EncodeBool(true)))
	assert.Equal(t, false, DecodeBool(EncodeBool(false)))

	now := time.Unix(1700000000, 123000)
	assert.True(t, DecodeTime(EncodeTime(now)).Equal(now))

	list := [][]byte{[]byte("a"), []byte("bc"), []byte("")}
	assert.Equal(t, list, DecodeByteList(EncodeByteList(list)))
}

func TestTimeEncodingPreservesChronologicalOrder(t *testing.T) {
	earlier := time.Unix(1000, 0)
	later := time.Unix(2000, 0)
	assert.Less(t, string(EncodeTime(earlier)), string(EncodeTime(later)))
}
