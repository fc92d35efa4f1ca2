package seal

/*
Файл codec.go реализует Encryption Codec — envelope-шифрование батчей.

Схема ключей:
- Из корневого секрета процесса через HKDF-SHA256 выводится master-ключ
  бакета (info = имя бакета). Ротация остаётся bucket-scoped.
- Каждый батч шифруется СВЕЖИМ случайным AES-256 ключом (AES-GCM).
- Ключ батча заворачивается (AES-GCM) под master-ключ бакета и хранится
  рядом с шифртекстом в конверте объекта.

Несхождение тега целостности — всегда ErrAuthenticationFailed, никогда
не деградирует в тихое частичное чтение.
*/

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

const keySize = 32 // AES-256

type Codec struct {
	root []byte
}

// NewCodec создаёт кодек из корневого секрета.
func NewCodec(rootKey []byte) (*Codec, error) {
	if len(rootKey) < 16 {
		return nil, fmt.Errorf("seal root key must be at least 16 bytes")
	}
	return &Codec{root: rootKey}, nil
}

// masterKey выводит master-ключ бакета из корневого секрета.
func (c *Codec) masterKey(bucket string) ([]byte, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, c.root, nil, []byte("gnosis-track/bucket-key/"+bucket))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive bucket key: %w", err)
	}
	return key, nil
}

// Box — результат шифрования одного батча.
type Box struct {
	Ciphertext []byte
	WrappedKey []byte
	Nonce      []byte
	WrapNonce  []byte
}

// Encrypt шифрует plaintext свежим ключом и заворачивает ключ
// под master-ключ бакета.
func (c *Codec) Encrypt(bucket string, plaintext []byte) (*Box, error) {
	dataKey := make([]byte, keySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	ciphertext, nonce, err := gcmSeal(dataKey, plaintext)
	if err != nil {
		return nil, err
	}

	master, err := c.masterKey(bucket)
	if err != nil {
		return nil, err
	}
	wrappedKey, wrapNonce, err := gcmSeal(master, dataKey)
	if err != nil {
		return nil, err
	}

	return &Box{
		Ciphertext: ciphertext,
		WrappedKey: wrappedKey,
		Nonce:      nonce,
		WrapNonce:  wrapNonce,
	}, nil
}

// Decrypt разворачивает ключ батча и расшифровывает payload.
func (c *Codec) Decrypt(bucket string, box *Box) ([]byte, error) {
	master, err := c.masterKey(bucket)
	if err != nil {
		return nil, err
	}

	dataKey, err := gcmOpen(master, box.WrappedKey, box.WrapNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap batch key: %v", domain.ErrAuthenticationFailed, err)
	}

	plaintext, err := gcmOpen(dataKey, box.Ciphertext, box.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: open payload: %v", domain.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// SealBatch заполняет конверт батча: шифрует payload (если велит политика
// бакета) и проставляет контрольную сумму plaintext-а. Флаг Encrypted
// выставляется всегда — читатель никогда не гадает.
func (c *Codec) SealBatch(bucket string, env *domain.BatchEnvelope, plaintext []byte, encrypt bool) error {
	sum := sha256.Sum256(plaintext)
	env.Checksum = hex.EncodeToString(sum[:])
	env.Encrypted = encrypt

	if !encrypt {
		env.Payload = plaintext
		return nil
	}

	box, err := c.Encrypt(bucket, plaintext)
	if err != nil {
		return err
	}
	env.Payload = box.Ciphertext
	env.WrappedKey = box.WrappedKey
	env.Nonce = box.Nonce
	env.WrapNonce = box.WrapNonce
	return nil
}

// OpenBatch возвращает plaintext конверта, проверяя целостность.
// Несовпадение контрольной суммы равнозначно провалу аутентификации.
func (c *Codec) OpenBatch(bucket string, env *domain.BatchEnvelope) ([]byte, error) {
	var plaintext []byte
	if env.Encrypted {
		var err error
		plaintext, err = c.Decrypt(bucket, &Box{
			Ciphertext: env.Payload,
			WrappedKey: env.WrappedKey,
			Nonce:      env.Nonce,
			WrapNonce:  env.WrapNonce,
		})
		if err != nil {
			return nil, err
		}
	} else {
		plaintext = env.Payload
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: batch checksum mismatch (run %s, start_seq %d)",
			domain.ErrAuthenticationFailed, env.RunID, env.StartSeq)
	}
	return plaintext, nil
}

func gcmSeal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func gcmOpen(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce size %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
