package domain

import "fmt"

// BatchEnvelope — wire-формат одного закоммиченного батча.
// Объект иммутабелен: после записи никогда не редактируется,
// только вытесняется retention-политикой.
//
// Payload — либо ciphertext, либо plaintext JSON-массив Record.
// Флаг Encrypted присутствует всегда: читатель никогда не гадает.
type BatchEnvelope struct {
	RunID     string `json:"run_id"`
	StartSeq  uint64 `json:"start_seq"`
	Count     int    `json:"count"`
	Encrypted bool   `json:"encrypted"`

	// WrappedKey — одноразовый ключ батча, завёрнутый под master-ключ бакета.
	// Присутствует тогда и только тогда, когда Encrypted=true.
	WrappedKey []byte `json:"wrapped_key,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`      // Nonce шифрования payload
	WrapNonce  []byte `json:"wrap_nonce,omitempty"` // Nonce заворачивания ключа

	// Checksum — SHA-256 (hex) plaintext-представления записей.
	Checksum string `json:"checksum"`
	Payload  []byte `json:"payload"`
}

// BatchObjectKey строит ключ объекта батча: {run-id}/{start-seq:012d}.batch
// (бакет — это сам S3-бакет, в ключ не входит). Нулевое выравнивание
// даёт лексикографический порядок = порядок по sequence.
func BatchObjectKey(runID string, startSeq uint64) string {
	return fmt.Sprintf("%s/%012d.batch", runID, startSeq)
}

// MetaObjectKey — ключ метаданных run: {run-id}/meta.json
func MetaObjectKey(runID string) string {
	return runID + "/meta.json"
}
