// Package cache provides a generic, entry-bounded LRU used to keep a limited
// number of expensive handles (such as per-bundle metadata stores) open.
package cache
