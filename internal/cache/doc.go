// Package cache holds the process-level caches injected into the execution
// engine: the ERC-20 approval cache and a TTL cache with epoch invalidation
// used for routing quotes.
package cache
