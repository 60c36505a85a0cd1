// Package tracker keeps the two-way mapping between chat users (trackers)
// and the board members they follow (targets).
//
// Trackers and subscriptions live in separate collections. Retarget updates
// both; on a transactional store it does so atomically, otherwise a crash
// between the detach and attach halves can leave a tracker and its
// subscription disagreeing until the next Reconcile sweep.
package tracker
