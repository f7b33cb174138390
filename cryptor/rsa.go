package cryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/cohortnet/node/types"
)

const (
	aesKeySize = 32 // 256-bit symmetric key
	aesIVSize  = 16 // 128-bit CTR IV

	envelopeSep    = "$"
	envelopeFields = 3
)

// RSACryptor implements hybrid RSA-PKCS1v15 + AES-256-CTR envelope
// encryption around the node's keypair.
type RSACryptor struct {
	priv   *rsa.PrivateKey
	pubPEM []byte
	logger *zap.Logger
}

// NewRSACryptor loads (or generates) the node keypair from keyPath and
// returns a ready cryptor. Key errors are fatal to the caller.
func NewRSACryptor(keyPath string, logger *zap.Logger) (*RSACryptor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cryptor"))

	priv, err := LoadOrGenerateKey(keyPath, logger)
	if err != nil {
		return nil, err
	}
	return newRSACryptorFromKey(priv, logger)
}

func newRSACryptorFromKey(priv *rsa.PrivateKey, logger *zap.Logger) (*RSACryptor, error) {
	pubPEM, err := MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, types.NewError(types.ErrPrivateKey, "cannot derive public key").WithCause(err)
	}
	return &RSACryptor{priv: priv, pubPEM: pubPEM, logger: logger}, nil
}

// Encrypt seals plaintext for recipientPub: a fresh 256-bit key and
// 128-bit IV encrypt the payload with AES-CTR, the key itself travels
// RSA-encrypted, and the three parts are joined base64-encoded.
func (c *RSACryptor) Encrypt(plaintext []byte, recipientPub []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(recipientPub)
	if err != nil {
		return "", fmt.Errorf("invalid recipient public key: %w", err)
	}

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("cannot generate session key: %w", err)
	}
	iv := make([]byte, aesIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("cannot generate IV: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	sealedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return "", fmt.Errorf("cannot seal session key: %w", err)
	}

	parts := []string{
		base64.StdEncoding.EncodeToString(sealedKey),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext),
	}
	return strings.Join(parts, envelopeSep), nil
}

// Decrypt opens an envelope addressed to this node's private key.
//
// Some historic senders base64-wrapped the symmetric key an extra time
// before sealing it. Decrypt tolerates one extra decode layer there; a
// failed extra-decode attempt never aborts the primary decryption.
func (c *RSACryptor) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, envelopeSep)
	if len(parts) != envelopeFields {
		return nil, types.NewError(types.ErrDecryption,
			fmt.Sprintf("envelope has %d fields, want %d", len(parts), envelopeFields))
	}

	sealedKey, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed key field").WithCause(err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed IV field").WithCause(err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed payload field").WithCause(err)
	}
	if len(iv) != aesIVSize {
		return nil, types.NewError(types.ErrDecryption,
			fmt.Sprintf("IV is %d bytes, want %d", len(iv), aesIVSize))
	}

	key, err := rsa.DecryptPKCS1v15(nil, c.priv, sealedKey)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "session key does not open under this private key").WithCause(err)
	}
	key = unwrapExtraBase64Key(key, c.logger)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "bad session key size").WithCause(err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

// unwrapExtraBase64Key fixes up a session key that a sender base64-encoded
// an extra time. Only applied when the raw key has an invalid AES size and
// the decoded form has a valid one.
func unwrapExtraBase64Key(key []byte, logger *zap.Logger) []byte {
	switch len(key) {
	case 16, 24, 32:
		return key
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(key)))
	if err != nil {
		return key
	}
	switch len(decoded) {
	case 16, 24, 32:
		logger.Debug("unwrapped extra base64 layer around session key")
		return decoded
	}
	return key
}

// VerifyPublicKey reports whether candidate matches the public key
// derived from the held private key. Comparison is done on the parsed
// key, so PEM formatting differences do not matter.
func (c *RSACryptor) VerifyPublicKey(candidate []byte) bool {
	pub, err := ParsePublicKeyPEM(candidate)
	if err != nil {
		return false
	}
	return pub.Equal(&c.priv.PublicKey)
}

// PublicKeyPEM returns the node's public key for publication to peers.
func (c *RSACryptor) PublicKeyPEM() []byte {
	return c.pubPEM
}
