// Package roster tracks agent availability, load, and reachability.
//
// # Overview
//
// The roster is the in-memory directory of every agent that has ever
// sent a heartbeat this process lifetime. It answers one question for
// the assignment path: which reachable, willing agent currently carries
// the least load?
//
// # Agent Records
//
// Each agent record tracks:
//
//   - Open conversation set and a cached count
//   - Pending offers (reservations that occupy load before an
//     assignment is committed)
//   - Offline-requested flag
//   - Last heartbeat timestamp
//
// Load is open conversations plus pending offers. An agent at the load
// ceiling is never selected.
//
// # Availability Queue
//
// Selection uses a min-heap ordered by load, with enrollment order
// breaking ties. Entries are evicted lazily: every eligibility change
// bumps the agent's version, and stale entries are discarded when they
// surface at the head of the heap. At most one valid entry exists per
// agent at any time.
//
// # Reachability
//
// Liveness is inferred from heartbeat recency at selection time; there
// is no background prober. An optional sweep compacts the queue by
// evicting entries for agents whose heartbeats have lapsed, but the
// records themselves survive until process exit.
//
// # Count Reconciliation
//
// The cached conversation count is verified against the actual set
// whenever a conversation is committed or closed. Drift is corrected in
// place and logged as a warning rather than treated as fatal.
package roster
