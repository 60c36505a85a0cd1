// Package storage persists the tracker registry and the delivery bookkeeping.
//
// It holds:
//   - trackers: one row per chat user, pointing at the board member they follow
//   - subscriptions: the reverse index, board member -> tracker ids
//   - dedup marks for relayed notifications (survive restarts)
//   - an append-only audit of retarget operations
//
// The sqlite driver is transactional (see Transactor); the memory driver is not.
package storage
