// Package kit holds the shared domain types and collaborator contracts used by
// every engine service: notifications, connections, principals, and the
// interfaces behind which the store, the principal directory, the access gate
// and the outbound channel senders live.
//
// Keeping these in one leaf package lets the services depend on each other's
// data without depending on each other's implementations.
package kit
