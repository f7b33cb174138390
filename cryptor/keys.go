package cryptor

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cohortnet/node/types"
)

const keyBits = 4096

// LoadOrGenerateKey returns the node's RSA private key, generating and
// persisting a new 4096-bit keypair if the file does not exist yet. A
// present but unreadable or corrupt key file is a fatal configuration
// error: silently regenerating would orphan every envelope already
// addressed to the old key.
func LoadOrGenerateKey(path string, logger *zap.Logger) (*rsa.PrivateKey, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, parseErr := parsePrivateKeyPEM(data)
		if parseErr != nil {
			return nil, types.NewError(types.ErrPrivateKey,
				fmt.Sprintf("corrupt private key file %s", path)).WithCause(parseErr)
		}
		logger.Debug("loaded private key", zap.String("path", path))
		return key, nil

	case os.IsNotExist(err):
		logger.Info("generating new keypair", zap.String("path", path), zap.Int("bits", keyBits))
		key, genErr := rsa.GenerateKey(rand.Reader, keyBits)
		if genErr != nil {
			return nil, types.NewError(types.ErrPrivateKey, "keypair generation failed").WithCause(genErr)
		}
		if writeErr := writePrivateKeyPEM(path, key); writeErr != nil {
			return nil, types.NewError(types.ErrPrivateKey,
				fmt.Sprintf("cannot persist private key to %s", path)).WithCause(writeErr)
		}
		return key, nil

	default:
		return nil, types.NewError(types.ErrPrivateKey,
			fmt.Sprintf("cannot read private key file %s", path)).WithCause(err)
	}
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	// PKCS8 wrapping is accepted for keys generated by other tooling.
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

func writePrivateKeyPEM(path string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// MarshalPublicKeyPEM encodes an RSA public key as a PKIX PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX or PKCS1 PEM public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", parsed)
		}
		return pub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}
