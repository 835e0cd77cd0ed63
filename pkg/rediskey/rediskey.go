package rediskey

import "fmt"

// Coupon keys (global convention across services)
const (
	FlashStockPrefix  = "coupon:flash:stock"
	FlashClaimsPrefix = "coupon:flash:claims"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildFlashStockKey returns "coupon:flash:stock:{definitionID}".
// Holds the fast-read replica of remaining stock during a flash window.
func BuildFlashStockKey(definitionID string) string {
	return NamespaceKey(FlashStockPrefix, definitionID)
}

// BuildFlashClaimsKey returns "coupon:flash:claims:{definitionID}".
// A hash of userID -> admitted claim count for the per-user pre-check.
func BuildFlashClaimsKey(definitionID string) string {
	return NamespaceKey(FlashClaimsPrefix, definitionID)
}
