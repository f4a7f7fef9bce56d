// Package protocol owns the mutation-plane primitive types shared by
// the wire codec and the runtime packages: 128-bit identifiers for
// participants, mutators, and mutations, the attribute key/value
// model, and the opaque trigger-CRDT carrier.
package protocol
