package common

import "fmt"

// StoreErrType enumerates the categories of store errors.
type StoreErrType uint32

const (
	// KeyNotFound is returned when the requested record is not in the store.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned when inserting a record that is already
	// present.
	KeyAlreadyExists
	// PassedIndex is returned when a record is requested below the store's
	// retention floor.
	PassedIndex
	// SkippedIndex is returned when inserting a record would leave a gap in a
	// contiguous sequence.
	SkippedIndex
	// Empty is returned when reading from a store that holds no records.
	Empty
	// NoHead is returned when the store has no latest-height pointer.
	NoHead
)

// StoreErr is a structured store error carrying the data type and key that
// produced it.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case PassedIndex:
		m = "Passed Index"
	case SkippedIndex:
		m = "Skipped Index"
	case Empty:
		m = "Empty"
	case NoHead:
		m = "No Head"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
