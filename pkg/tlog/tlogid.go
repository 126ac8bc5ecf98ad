package tlog

import "github.com/google/uuid"

// ID is a TLog's identifier. Grounded on
// original_source/src/volumedriver/TLogId.h, which strong-typedefs a
// UUID rather than using a bare string so TLog identifiers can't be
// confused with snapshot or cork UUIDs at the type level.
type ID uuid.UUID

// NewID generates a fresh TLog identifier.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

// OrderedIDs is an ordered sequence of TLog identifiers, e.g. the
// lineage traversed while rebuilding a MetaDataStore.
type OrderedIDs []ID
