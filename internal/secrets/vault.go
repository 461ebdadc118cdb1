// Package secrets encrypts provider credentials at rest. API keys are
// sealed with AES-256-GCM before they reach the store and opened only
// at the moment a provider call needs them.
package secrets

// Vault seals and opens credential secrets.
type Vault interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
