// Package securestore implements the device-bound encrypted cache
// substrate (§3 SecureFile, §4.3): a Fernet-equivalent authenticated
// encryption scheme (AES-128-CBC + HMAC-SHA256) keyed by PBKDF2 over a
// device fingerprint, with atomic, 0600-permissioned writes.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen       = 32
	pbkdf2Iters   = 100_000
	pbkdf2KeyLen  = 32 // 16 bytes AES key + 16 bytes HMAC key, split below
	aesKeyLen     = 16
	hmacKeyLen    = pbkdf2KeyLen - aesKeyLen
	secureVersion = 1
)

// ErrCorrupted is returned by Load when a cache file fails HMAC
// verification or cannot be parsed. Callers must fall back to an empty
// value; the core never reads a plaintext predecessor (§3).
var ErrCorrupted = errors.New("securestore: cache file is corrupted or not authentic")

// fingerprintSource supplies the raw device fingerprint bytes a Store
// derives its encryption key from. internal/fingerprint.Fingerprinter
// satisfies this.
type fingerprintSource interface {
	Compute() ([]byte, error)
}

// Store encrypts and decrypts JSON-serializable values under a directory,
// deriving its symmetric key from a device fingerprint and a salt file
// created lazily on first use. The key itself is never persisted (§3).
type Store struct {
	saltPath     string
	fingerprint  fingerprintSource
	aesKey       []byte
	hmacKey      []byte
	keyDerived   bool
}

// New constructs a Store whose salt file lives at saltPath (created with
// a random 32-byte value on first use if it does not already exist) and
// whose key is derived from fp.
func New(saltPath string, fp fingerprintSource) *Store {
	return &Store{saltPath: saltPath, fingerprint: fp}
}

// secureFile is the on-disk JSON envelope (§3): `{_encrypted, _version,
// data: base64(ciphertext)}`.
type secureFile struct {
	Encrypted bool   `json:"_encrypted"`
	Version   int    `json:"_version"`
	Data      string `json:"data"`
}

func (s *Store) ensureKey() error {
	if s.keyDerived {
		return nil
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return errors.Wrap(err, "securestore: salt")
	}

	fp, err := s.fingerprint.Compute()
	if err != nil {
		return errors.Wrap(err, "securestore: device fingerprint")
	}

	derived := pbkdf2.Key(fp, salt, pbkdf2Iters, pbkdf2KeyLen, sha256.New)
	s.aesKey = derived[:aesKeyLen]
	s.hmacKey = derived[aesKeyLen:]
	s.keyDerived = true
	return nil
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	existing, err := os.ReadFile(s.saltPath)
	if err == nil {
		if len(existing) != saltLen {
			return nil, errors.Errorf("securestore: salt file %s has wrong length %d", s.saltPath, len(existing))
		}
		return existing, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read salt file")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	if err := atomicWrite(s.saltPath, salt, 0o600); err != nil {
		return nil, errors.Wrap(err, "persist salt")
	}
	return salt, nil
}

// Save serializes value to JSON, encrypts it, and atomically writes the
// result to path (write-temp + rename), creating parent directories and
// setting 0600 permissions (§3).
func (s *Store) Save(path string, value interface{}) error {
	if err := s.ensureKey(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "securestore: marshal value")
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return errors.Wrap(err, "securestore: encrypt")
	}

	envelope, err := json.Marshal(secureFile{
		Encrypted: true,
		Version:   secureVersion,
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return errors.Wrap(err, "securestore: marshal envelope")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "securestore: create parent dir")
	}
	return atomicWrite(path, envelope, 0o600)
}

// Load reads and decrypts path into value. A missing file is reported via
// os.IsNotExist on the returned error; a present but corrupted or
// unauthentic file returns ErrCorrupted — callers must treat both the
// same way, as "nothing cached yet" (§3 forbids falling back to
// plaintext).
func (s *Store) Load(path string, value interface{}) error {
	if err := s.ensureKey(); err != nil {
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var envelope secureFile
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}
	if !envelope.Encrypted || envelope.Version != secureVersion {
		return errors.Wrap(ErrCorrupted, "unexpected envelope shape")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}

	if err := json.Unmarshal(plaintext, value); err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}
	return nil
}

// encrypt produces version‖IV‖ciphertext‖tag where tag is an
// HMAC-SHA256 over version‖IV‖ciphertext (the Fernet-equivalent scheme
// named in §3).
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := make([]byte, 0, 1+len(iv)+len(ciphertext))
	body = append(body, secureVersion)
	body = append(body, iv...)
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(body)
	tag := mac.Sum(nil)

	return append(body, tag...), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	const macLen = sha256.Size
	if len(data) < 1+aes.BlockSize+macLen {
		return nil, errors.New("ciphertext too short")
	}

	body, tag := data[:len(data)-macLen], data[len(data)-macLen:]

	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(tag, expected) {
		return nil, errors.New("HMAC verification failed")
	}

	if body[0] != secureVersion {
		return nil, errors.Errorf("unsupported version %d", body[0])
	}

	iv := body[1 : 1+aes.BlockSize]
	ciphertext := body[1+aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not block-aligned")
	}

	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// atomicWrite writes data to a temp file alongside path, then renames it
// into place (§3's write-temp + rename requirement).
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
