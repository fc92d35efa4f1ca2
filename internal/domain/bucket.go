package domain

import "time"

// BucketPolicy — политика логического контейнера.
// ReplicationFactor — метаданные для нижележащего кластера (сама репликация
// делегирована хранилищу и здесь не реализуется).
type BucketPolicy struct {
	Encryption        bool `json:"encryption"`
	ReplicationFactor int  `json:"replication_factor"`
	RetentionDays     int  `json:"retention_days"` // 0 — хранить бессрочно
}

// BucketInfo — описание бакета, управляемого Bucket Manager.
type BucketInfo struct {
	Name      string       `json:"name"`
	Policy    BucketPolicy `json:"policy"`
	CreatedAt time.Time    `json:"created_at"`
}

// BucketStats — агрегаты по содержимому бакета.
type BucketStats struct {
	ObjectCount int64 `json:"object_count"`
	TotalBytes  int64 `json:"total_bytes"`
}
