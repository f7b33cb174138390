package cryptor

import "go.uber.org/zap"

// Cryptor encrypts run input for a recipient organization and decrypts
// results addressed to this node. Implementations are stateless beyond
// key material and safe for concurrent use.
type Cryptor interface {
	// Encrypt seals plaintext for the holder of recipientPub (PEM).
	Encrypt(plaintext []byte, recipientPub []byte) (string, error)
	// Decrypt opens an envelope addressed to this node.
	Decrypt(envelope string) ([]byte, error)
	// VerifyPublicKey reports whether candidate (PEM) matches the public
	// key derived from the held private key.
	VerifyPublicKey(candidate []byte) bool
	// PublicKeyPEM returns this node's public key for publication to peers.
	PublicKeyPEM() []byte
}

// NopCryptor passes payloads through unchanged. Used when a collaboration
// runs without encryption.
type NopCryptor struct {
	logger *zap.Logger
}

// NewNopCryptor creates a pass-through cryptor.
func NewNopCryptor(logger *zap.Logger) *NopCryptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("encryption disabled, payloads travel in the clear")
	return &NopCryptor{logger: logger}
}

func (n *NopCryptor) Encrypt(plaintext []byte, _ []byte) (string, error) {
	return string(plaintext), nil
}

func (n *NopCryptor) Decrypt(envelope string) ([]byte, error) {
	return []byte(envelope), nil
}

func (n *NopCryptor) VerifyPublicKey(_ []byte) bool { return true }

func (n *NopCryptor) PublicKeyPEM() []byte { return nil }
