// Package crypto provides operator key management and EIP-191 signing for
// ledger snapshots and caller-authenticated API requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrNoKey is returned by LoadKey when no key source is configured.
	ErrNoKey = errors.New("crypto: no operator key configured")
	// ErrWrongPassword is returned when a sealed key does not open.
	ErrWrongPassword = errors.New("crypto: wrong key password")
)

const (
	// OWASP minimum for PBKDF2-HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedKeyVersion = 1
)

// sealedKey is the on-disk operator key. Address is bound into the
// ciphertext as additional data, so editing it breaks decryption.
type sealedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       string         `json:"salt"`
	Nonce      string         `json:"nonce"`
	Ciphertext string         `json:"ciphertext"`
}

// KeySource says where the operator key comes from: a raw hex key, or a
// file produced by EncryptKey plus its password.
type KeySource struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptKey seals a hex-encoded private key under password with
// PBKDF2-HMAC-SHA256 and AES-256-GCM. The returned JSON names the operator
// address in clear so operators can tell key files apart.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	key, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(sealedKey{
		Version:    sealedKeyVersion,
		Address:    addr,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes())),
	}, "", "  ")
}

// DecryptKey opens a key sealed by EncryptKey and checks that it belongs to
// the address recorded next to it.
func DecryptKey(sealed []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var sk sealedKey
	if err := json.Unmarshal(sealed, &sk); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed key: %w", err)
	}
	if sk.Version != sealedKeyVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed key version %d", sk.Version)
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(sk.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := enc.DecodeString(sk.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(sk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, sk.Address.Bytes())
	if err != nil {
		return nil, ErrWrongPassword
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed key is not a secp256k1 key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != sk.Address {
		return nil, fmt.Errorf("crypto: sealed key is for %s, file says %s", got.Hex(), sk.Address.Hex())
	}
	return key, nil
}

// WriteKeyFile seals privateKeyHex and writes it to path, readable by the
// owner only. It refuses to replace an existing file.
func WriteKeyFile(path, privateKeyHex, password string) (common.Address, error) {
	data, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return common.Address{}, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: create key file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return common.Address{}, fmt.Errorf("crypto: write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return common.Address{}, fmt.Errorf("crypto: close key file: %w", err)
	}
	var sk sealedKey
	_ = json.Unmarshal(data, &sk)
	return sk.Address, nil
}

// LoadKey resolves the operator key from src. A raw key wins over a sealed
// file.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch {
	case src.RawPrivateKey != "":
		return parseKey(src.RawPrivateKey)
	case src.EncryptedKeyPath != "":
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading sealed key file: %w", err)
		}
		return DecryptKey(data, src.KeyPassword)
	default:
		return nil, ErrNoKey
	}
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return key, nil
}

// keyCipher derives the AES-256-GCM cipher for password and salt.
func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
