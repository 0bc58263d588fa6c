// Package peers holds the authoritative view of the coordination-servers
// ("masters") currently known to this process. It defines the identity and
// record types, the table keyed by identity, and the Tracker, which applies
// inbound announcements to the table under the liveness rules (insert,
// refresh, stale rejection, restart replacement, timeout eviction) and
// publishes one ChangeEvent per table transition.
//
// The Tracker is backend-agnostic: the heartbeat engine, the zeroconf
// watcher and the etcd registry all drive the same lifecycle through it.
package peers
