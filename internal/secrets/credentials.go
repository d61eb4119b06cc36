package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rendis/weave/pkg/schema"
)

// Ciphertext is an encrypted credential blob. Data and IV are base64. When
// DataKeyCiphertext is set, Data was sealed with a per-credential data key
// that is itself sealed (nonce-prefixed, base64) by the master key KeyID.
type Ciphertext struct {
	Data              string
	IV                string
	KeyID             string
	DataKeyCiphertext string
}

// CiphertextFromRef adapts a node's credential reference.
func CiphertextFromRef(ref *schema.CredentialRef) Ciphertext {
	return Ciphertext{
		Data:              ref.Ciphertext,
		IV:                ref.IV,
		KeyID:             ref.KeyID,
		DataKeyCiphertext: ref.DataKeyCiphertext,
	}
}

// CredentialService decrypts credential blobs.
type CredentialService interface {
	Decrypt(ctx context.Context, ct Ciphertext) ([]byte, error)
}

// KeyConfig provides one master key: either MasterKey (raw 32 bytes) or
// Passphrase + Salt.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations (default 100_000)
}

// KeyRing is an AES-256-GCM CredentialService over a set of master keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]cipher.AEAD
}

// NewKeyRing creates a key ring from master keys by id.
func NewKeyRing(keys map[string]KeyConfig) (*KeyRing, error) {
	kr := &KeyRing{keys: make(map[string]cipher.AEAD, len(keys))}
	for id, cfg := range keys {
		if err := kr.AddKey(id, cfg); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// AddKey registers (or replaces) a master key.
func (k *KeyRing) AddKey(id string, cfg KeyConfig) error {
	key, err := deriveKey(cfg)
	if err != nil {
		return err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.keys[id] = aead
	k.mu.Unlock()
	return nil
}

func deriveKey(cfg KeyConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeCredential,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeCredential, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeCredential, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func (k *KeyRing) master(id string) (cipher.AEAD, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aead, ok := k.keys[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "unknown key id %q", id)
	}
	return aead, nil
}

// Decrypt opens a credential blob.
func (k *KeyRing) Decrypt(_ context.Context, ct Ciphertext) ([]byte, error) {
	master, err := k.master(ct.KeyID)
	if err != nil {
		return nil, err
	}
	aead := master
	if ct.DataKeyCiphertext != "" {
		sealedKey, err := decodeB64("data_key_ciphertext", ct.DataKeyCiphertext)
		if err != nil {
			return nil, err
		}
		dataKey, err := openPrefixed(master, sealedKey)
		if err != nil {
			return nil, err
		}
		if aead, err = newAEAD(dataKey); err != nil {
			return nil, schema.NewError(schema.ErrCodeCredential, "invalid data key").WithCause(err)
		}
	}

	data, err := decodeB64("ciphertext", ct.Data)
	if err != nil {
		return nil, err
	}
	iv, err := decodeB64("iv", ct.IV)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	plaintext, err := aead.Open(nil, iv, data, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Encrypt seals plaintext under key id. With envelope set, a fresh data key
// is generated and sealed by the master key.
func (k *KeyRing) Encrypt(_ context.Context, keyID string, plaintext []byte, envelope bool) (Ciphertext, error) {
	master, err := k.master(keyID)
	if err != nil {
		return Ciphertext{}, err
	}
	out := Ciphertext{KeyID: keyID}
	aead := master
	if envelope {
		dataKey := make([]byte, 32)
		if _, err := rand.Read(dataKey); err != nil {
			return Ciphertext{}, fmt.Errorf("generate data key: %w", err)
		}
		sealed, err := sealPrefixed(master, dataKey)
		if err != nil {
			return Ciphertext{}, err
		}
		out.DataKeyCiphertext = base64.StdEncoding.EncodeToString(sealed)
		if aead, err = newAEAD(dataKey); err != nil {
			return Ciphertext{}, err
		}
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Ciphertext{}, fmt.Errorf("generate nonce: %w", err)
	}
	out.IV = base64.StdEncoding.EncodeToString(iv)
	out.Data = base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plaintext, nil))
	return out, nil
}

func sealPrefixed(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openPrefixed(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeCredential, "sealed data key too short")
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "unwrap data key: %s", err.Error())
	}
	return plaintext, nil
}

func decodeB64(field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "%s is not valid base64", field)
	}
	return b, nil
}

// OpenCredential decrypts a credential reference whose plaintext is a JSON
// object. String fields become Secrets; other values are kept as decoded.
func OpenCredential(ctx context.Context, svc CredentialService, ref *schema.CredentialRef) (map[string]any, []Secret, error) {
	plaintext, err := svc.Decrypt(ctx, CiphertextFromRef(ref))
	if err != nil {
		return nil, nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeCredential, "credential payload is not a JSON object")
	}
	var found []Secret
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			sec := NewSecret(s)
			out[k] = sec
			found = append(found, sec)
			continue
		}
		out[k] = v
	}
	return out, found, nil
}

var _ CredentialService = (*KeyRing)(nil)
