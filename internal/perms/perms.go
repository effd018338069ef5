package perms

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Mask is a 64-bit capability bitmask. Each bit grants one update
// category for publishing or subscribing; the bit catalog is client
// configuration and opaque to the server.
type Mask uint64

const (
	// None grants no capabilities.
	None Mask = 0
	// Full grants every capability. Project owners always hold it.
	Full Mask = ^Mask(0)
)

// Allows reports whether the mask grants every bit of the requested
// category mask.
func (m Mask) Allows(category Mask) bool {
	return m&category == category
}

// Intersect computes the effective capability mask for a non-owner
// session: the project mask, the account ceiling and the client-asserted
// request ANDed together.
func Intersect(projectMask, userMask, requestedMask Mask) Mask {
	return projectMask & userMask & requestedMask
}

// Effective applies the owner override on top of Intersect: the project
// owner holds Full regardless of the stored or requested masks.
func Effective(owner bool, projectMask, userMask, requestedMask Mask) Mask {
	if owner {
		return Full
	}
	return Intersect(projectMask, userMask, requestedMask)
}

// Value stores the mask as a signed 64-bit integer. database/sql
// rejects uint64 values with the high bit set, which Full carries.
func (m Mask) Value() (driver.Value, error) {
	return int64(m), nil
}

// Scan restores a mask persisted via Value.
func (m *Mask) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*m = Mask(v)
		return nil
	case uint64:
		*m = Mask(v)
		return nil
	case nil:
		*m = None
		return nil
	default:
		return fmt.Errorf("perms: cannot scan %T into Mask", src)
	}
}

// String renders the mask as fixed-width hex for logs.
func (m Mask) String() string {
	const hexDigits = 16
	s := strconv.FormatUint(uint64(m), 16)
	for len(s) < hexDigits {
		s = "0" + s
	}
	return "0x" + s
}
