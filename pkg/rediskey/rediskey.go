package rediskey

import "fmt"

// Idempotency guard keys
const (
	IdempotencyLockPrefix  = "idem:lock"
	IdempotencyCachePrefix = "idem:cache"
	IdempotencyMetaPrefix  = "idem:meta"
)

// Rewarded ad session keys
const (
	AdsSessionPrefix  = "ads:session"
	AdsUsedPrefix     = "ads:used"
	AdsAttemptsPrefix = "ads:attempts"
)

const SequencePrefix = "seq"

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildIdempotencyLockKey returns "idem:lock:{fingerprint}"
func BuildIdempotencyLockKey(fingerprint string) string {
	return NamespaceKey(IdempotencyLockPrefix, fingerprint)
}

// BuildIdempotencyCacheKey returns "idem:cache:{fingerprint}"
func BuildIdempotencyCacheKey(fingerprint string) string {
	return NamespaceKey(IdempotencyCachePrefix, fingerprint)
}

// BuildIdempotencyMetaKey returns "idem:meta:{fingerprint}"
func BuildIdempotencyMetaKey(fingerprint string) string {
	return NamespaceKey(IdempotencyMetaPrefix, fingerprint)
}

// BuildAdsSessionKey returns "ads:session:{sessionID}"
func BuildAdsSessionKey(sessionID string) string {
	return NamespaceKey(AdsSessionPrefix, sessionID)
}

// BuildAdsUsedKey returns "ads:used:{sessionID}"
func BuildAdsUsedKey(sessionID string) string {
	return NamespaceKey(AdsUsedPrefix, sessionID)
}

// BuildAdsAttemptsKey returns "ads:attempts:{sessionID}"
func BuildAdsAttemptsKey(sessionID string) string {
	return NamespaceKey(AdsAttemptsPrefix, sessionID)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return fmt.Sprintf("%s:%s:%s", SequencePrefix, prefix, day)
}
