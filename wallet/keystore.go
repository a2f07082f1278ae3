package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/purplenet/purple/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// defaultKDFIterations is the PBKDF2 work factor for newly written
// keystores. Existing files carry their own iteration count so the
// default can be raised without breaking old keystores.
const defaultKDFIterations = 210_000

// keystoreFile is the on-disk JSON schema of an encrypted key.
type keystoreFile struct {
	Version    int    `json:"version"`
	PubKey     string `json:"pub_key"`
	KDFRounds  int    `json:"kdf_rounds"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// SaveKey writes priv to path, sealed with AES-256-GCM under a
// PBKDF2-SHA256 key derived from password.
func SaveKey(path, password string, priv crypto.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	gcm, err := newGCM(password, salt, defaultKDFIterations)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	ks := keystoreFile{
		Version:    1,
		PubKey:     priv.Public().Hex(),
		KDFRounds:  defaultKDFIterations,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(gcm.Seal(nil, nonce, priv, nil)),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey reads and unseals the keystore at path using password.
func LoadKey(path, password string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	salt, nonce, cipherText, err := ks.decodeHexFields()
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	rounds := ks.KDFRounds
	if rounds <= 0 {
		rounds = defaultKDFIterations
	}
	gcm, err := newGCM(password, salt, rounds)
	if err != nil {
		return nil, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("wrong password or corrupted keystore")
	}
	return crypto.PrivateKey(privBytes), nil
}

func (ks keystoreFile) decodeHexFields() (salt, nonce, cipherText []byte, err error) {
	if salt, err = hex.DecodeString(ks.Salt); err != nil {
		return nil, nil, nil, fmt.Errorf("salt: %w", err)
	}
	if nonce, err = hex.DecodeString(ks.Nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", err)
	}
	if cipherText, err = hex.DecodeString(ks.CipherText); err != nil {
		return nil, nil, nil, fmt.Errorf("cipher_text: %w", err)
	}
	return salt, nonce, cipherText, nil
}

func newGCM(password string, salt []byte, rounds int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, rounds, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
