// Package mailindex implements Mail's two custom secondary indexers:
// thread grouping and fulltext search, both declared as
// domain.CustomIndexer values. Grounded on
// original_source/common/mail/threadindexer.{cpp,h} and
// original_source/common/mail/fulltextindexer.{cpp,h}.
package mailindex

import (
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

const (
	messageIDToThreadBucket       = "mail.index.messageIdThreadId"
	parentMessageIDToThreadBucket = "mail.index.parentMessageIdThreadId"
)

// ThreadIndexer maintains messageId -> threadId and parentMessageId ->
// threadId mappings so a Reduce-by-thread query (spec §4.9, scenario S4)
// can resolve a mail's group without re-walking its ancestor chain on every
// query run.
//
// Thread assignment rule: a mail with no parentMessageId starts a new
// thread identified by its own messageId. A mail with a parentMessageId
// joins the thread of that parent if the parent is already known;
// otherwise it starts a new thread keyed by its own messageId. A parent
// that arrives after its child does not re-point the child: the child keeps
// the thread keyed by its own messageId.
type ThreadIndexer struct{}

// NewThreadIndexer constructs a ThreadIndexer.
func NewThreadIndexer() *ThreadIndexer { return &ThreadIndexer{} }

// Name identifies this indexer for logging.
func (t *ThreadIndexer) Name() string { return "mail.thread" }

// Add resolves and records the thread id for a newly written mail revision.
func (t *ThreadIndexer) Add(tx *store.Tx, id keys.Identifier, props map[string][]byte) error {
	messageID := string(props["messageId"])
	if messageID == "" {
		return nil
	}
	parentID := string(props["parentMessageId"])

	msgBucket, err := tx.Bucket(messageIDToThreadBucket)
	if err != nil {
		return err
	}
	parentBucket, err := tx.Bucket(parentMessageIDToThreadBucket)
	if err != nil {
		return err
	}

	threadID := []byte(messageID)
	if parentID != "" {
		if parentThread, err := msgBucket.Get([]byte(parentID)); err == nil {
			threadID = parentThread
		}
	}

	if err := msgBucket.Write([]byte(messageID), threadID); err != nil {
		return err
	}
	if parentID != "" {
		if err := parentBucket.Write([]byte(messageID), []byte(parentID)); err != nil {
			return err
		}
		// Keep the parent's own mapping on the thread id just resolved
		// (see mergeThreads).
		if err := t.mergeThreads(msgBucket, parentID, threadID); err != nil {
			return err
		}
	}
	return nil
}

// mergeThreads rewrites parentMessageID's own thread mapping to newThreadID
// when the parent is already recorded under a different thread id. It
// touches only that one entry; no other mail's recorded thread id is
// re-pointed.
func (t *ThreadIndexer) mergeThreads(msgBucket *store.Bucket, parentMessageID string, newThreadID []byte) error {
	existing, err := msgBucket.Get([]byte(parentMessageID))
	if err != nil {
		// Parent not seen yet; nothing to merge.
		return nil
	}
	if string(existing) == string(newThreadID) {
		return nil
	}
	return msgBucket.Write([]byte(parentMessageID), newThreadID)
}

// Remove drops the thread mappings a removed mail owned. Other mails in the
// same thread are unaffected; they keep their own recorded thread id.
func (t *ThreadIndexer) Remove(tx *store.Tx, id keys.Identifier, props map[string][]byte) error {
	messageID := string(props["messageId"])
	if messageID == "" {
		return nil
	}
	msgBucket, err := tx.Bucket(messageIDToThreadBucket)
	if err != nil {
		return err
	}
	parentBucket, err := tx.Bucket(parentMessageIDToThreadBucket)
	if err != nil {
		return err
	}
	if err := msgBucket.Remove([]byte(messageID)); err != nil {
		return err
	}
	return parentBucket.Remove([]byte(messageID))
}

// ThreadOf resolves the thread id associated with a mail's messageId,
// reading within tx (typically a read transaction opened by the query
// executor's Reduce stage).
func ThreadOf(tx *store.Tx, messageID string) ([]byte, error) {
	b, err := tx.Bucket(messageIDToThreadBucket)
	if err != nil {
		return nil, err
	}
	return b.Get([]byte(messageID))
}
