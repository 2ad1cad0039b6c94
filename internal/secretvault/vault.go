// Package secretvault stores the per-account adapter credential a client
// hands over with a SECRET(string) handshake message (spec.md §4.10).
// Grounded on the teacher's pkg/security.SecretsManager (AES-256-GCM at
// rest, NewSecretsManagerFromPassword's SHA-256 key derivation), adapted
// from "cluster secret encryption" to "per-account adapter credential
// encryption" (SPEC_FULL.md §4.8.1): the key is derived from the resource's
// own on-disk identity rather than a cluster-wide password, the encrypted
// blob lives in the resource's `$id.synchronization` environment instead of
// a cluster secret store, and the plaintext is only ever reconstituted in
// memory, by Get. The synchronizer does not read the credential, and no
// adapter call receives it from here.
package secretvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/sink/internal/store"
)

const bucketSecret = "secret"

// secretKey is the lone key under which the encrypted credential blob is
// stored; a resource has exactly one adapter credential at a time.
var secretKey = []byte("credential")

// ErrNoSecret is returned by Get when no credential has been stored yet.
var ErrNoSecret = errors.New("secretvault: no secret stored")

// Vault encrypts and persists a single adapter credential for one resource
// instance, keyed by that resource's on-disk identity rather than any
// shared or cluster-wide secret.
type Vault struct {
	env           *store.Env
	encryptionKey []byte
}

// New derives a resource-local AES-256-GCM key from resourceIdentity (the
// resource type + instance id, spec §9's `{resourceType, instanceId}`) and
// wraps env (the resource's `$id.synchronization` environment) with it.
func New(env *store.Env, resourceIdentity string) *Vault {
	hash := sha256.Sum256([]byte(resourceIdentity))
	return &Vault{env: env, encryptionKey: hash[:]}
}

// Put encrypts plaintext and persists it, replacing any previously stored
// credential. Called when a client's SECRET handshake message arrives.
func (v *Vault) Put(plaintext []byte) error {
	ciphertext, err := v.encrypt(plaintext)
	if err != nil {
		return err
	}
	return v.env.Update(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketSecret)
		if err != nil {
			return err
		}
		return b.Write(secretKey, ciphertext)
	})
}

// Get decrypts and returns the stored credential, or ErrNoSecret if none
// has been set. The decrypted form is returned in memory only and never
// persisted.
func (v *Vault) Get() ([]byte, error) {
	var ciphertext []byte
	err := v.env.View(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketSecret)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := b.Get(secretKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ciphertext = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, ErrNoSecret
	}
	return v.decrypt(ciphertext)
}

// Clear removes the stored credential. REMOVE-FROM-DISK does not call it
// (it deletes the whole synchronization environment instead), and a fresh
// SECRET message replaces the credential through Put.
func (v *Vault) Clear() error {
	return v.env.Update(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketSecret)
		if err != nil {
			return err
		}
		return b.Remove(secretKey)
	})
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretvault: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("secretvault: ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secretvault: decrypting: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secretvault: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
