// Package transfer implements the ownership transfer state machine.
//
// Every change to a TransferRecord goes through a Machine. A transition
// validates against the transition table, re-signs the record with the
// device key, and in one store transaction writes the record, a change log
// entry and a pending mutation for the remote store. Events are published
// after the commit.
//
// Transitions:
//
//	INITIATED            -> PENDING_VERIFICATION | CANCELLED | EXPIRED | REJECTED
//	PENDING_VERIFICATION -> VERIFIED | DISPUTED | CANCELLED | EXPIRED | REJECTED
//	VERIFIED             -> COMPLETED
//	DISPUTED             -> REJECTED
//
// Ownership of an asset changes in exactly one place: the VERIFIED to
// COMPLETED step taken after a SATISFIED evaluation.
//
// Concurrency: operations on one asset are serialized by an in-process
// keyed mutex and an immediate SQLite transaction. Operations on different
// assets proceed independently.
//
// A corrupt store or an unavailable signing key halts the machine: every
// later operation returns domain.ErrHalted until Resume is called.
package transfer
