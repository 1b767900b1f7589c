package keyvaluedb

// Reader interface for DB
type Reader interface {
	// Read reads the value for key stored in the DB, returns false when key is not found.
	Read(key []byte, value any) (bool, error)
}

// Writer interface for DB
type Writer interface {
	// Write inserts the given value into the DB.
	Write(key []byte, value any) error
	// Delete removes the key from the key-value data store.
	Delete(key []byte) error
}

// DBTx interface for database transactions
// NB! all transactions MUST be completed by either calling Commit() or Rollback() which releases
// the transaction. Only one read-write transaction is allowed at a time.
type DBTx interface {
	StartTx() (DBTransaction, error)
}

// KeyValueDB is the key-value data store used to persist consensus data.
type KeyValueDB interface {
	Reader
	Writer
	DBTx
	// Empty returns true when there is no values stored in the DB.
	Empty() (bool, error)
}

// DBTransaction key value database transaction
type DBTransaction interface {
	Writer
	Reader
	// Commit commits all pending changes
	Commit() error
	// Rollback reverts everything and nothing is changed
	Rollback() error
}
