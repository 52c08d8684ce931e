package memory

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

// sealer performs authenticated symmetric encryption for INTERNAL and
// SECRET records (spec §4.1). The key is derived once at process init
// and held in memory only; rotation is explicitly out of scope.
type sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newSealer(masterKey [chacha20poly1305.KeySize]byte) (*sealer, error) {
	aead, err := chacha20poly1305.New(masterKey[:])
	if err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "initialize AEAD cipher")
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts plaintext, returning ciphertext and a freshly generated
// nonce. additionalData binds the ciphertext to its (domain, key) so a
// ciphertext swapped between records fails to decrypt (spec §4.1:
// "implementations must not reuse nonce").
func (s *sealer) seal(plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeInternal, "generate nonce")
	}
	ciphertext = s.aead.Seal(nil, nonce, plaintext, additionalData)
	return ciphertext, nonce, nil
}

func (s *sealer) open(ciphertext, nonce, additionalData []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, taskflowerrors.NewIntegrityError("decryption failed: ciphertext or nonce mismatch")
	}
	return plaintext, nil
}

func associatedData(domain, key string) []byte {
	return []byte(domain + "\x00" + key)
}
