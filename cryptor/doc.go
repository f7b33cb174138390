// Package cryptor implements the hybrid envelope encryption used for
// inter-organization traffic.
//
// Payloads travel as an Envelope string of three base64 fields joined by
// '$': the RSA-encrypted symmetric key, the AES-CTR IV, and the
// ciphertext. Each envelope targets exactly one organization's public key
// and decrypts only under the matching private key.
//
// Two interchangeable implementations exist: RSACryptor for encrypted
// collaborations and NopCryptor for collaborations that opt out.
package cryptor
