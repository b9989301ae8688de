package ratelimit

import (
	"fmt"
	"strings"
)

const (
	namespace = "automation"

	TriggerOwnerPrefix = "trigger:owner"
	SchedulerLockKey   = namespace + ":scheduler:lock"
)

// NamespaceKey returns "automation:{prefix}:{id}".
func NamespaceKey(prefix, id string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, prefix, strings.TrimSpace(id))
}

// TriggerOwnerKey returns the bucket key limiting trigger calls per owner.
func TriggerOwnerKey(ownerID string) string {
	return NamespaceKey(TriggerOwnerPrefix, ownerID)
}
