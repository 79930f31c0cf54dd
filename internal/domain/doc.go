// Package domain defines the entities of the custody core and the one
// transition table every TransferRecord moves through.
//
// Entities: Asset, TransferRecord, Evidence, ChangeLogEntry and
// PendingMutation. Each entity converts to and from a canon.Object so the
// same representation is used for signing, for change log snapshots and for
// remote documents.
//
// This package imports only internal/canon.
package domain
