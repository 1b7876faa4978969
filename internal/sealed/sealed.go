// Package sealed keeps secrets in configuration files encrypted with age.
// A sealed value is the base64 age ciphertext prefixed with "sealed:".
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

const Prefix = "sealed:"

var ErrNoIdentity = errors.New("sealed value found but no identity configured")

// GenerateKeypair returns a new x25519 identity and its public recipient.
func GenerateKeypair() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Seal encrypts plaintext to the given age recipients and returns a value
// ready to paste into the config file.
func Seal(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a sealed value with the given identities.
func Open(value string, identities []age.Identity) ([]byte, error) {
	encoded := strings.TrimPrefix(value, Prefix)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// Resolver turns config values into plaintext. Values without the prefix
// pass through unchanged.
type Resolver struct {
	identities []age.Identity
}

// NewResolver loads age identities from identityFile. An empty path gives a
// resolver that only accepts plain values.
func NewResolver(identityFile string) (*Resolver, error) {
	if identityFile == "" {
		return &Resolver{}, nil
	}
	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", identityFile, err)
	}
	return &Resolver{identities: ids}, nil
}

func (r *Resolver) Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	if len(r.identities) == 0 {
		return "", ErrNoIdentity
	}
	plaintext, err := Open(value, r.identities)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
