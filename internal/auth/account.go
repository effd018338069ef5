package auth

import (
	"github.com/Longshot123/collabREate/internal/perms"
)

// User is a stored account row. PasswordHash holds the hex-encoded
// keyed hash the client derives its CHAP responses from; the server
// never sees the cleartext password after account creation.
type User struct {
	UserID        uint64     `gorm:"column:userid;primaryKey;autoIncrement"`
	Username      string     `gorm:"column:username;size:64;not null;uniqueIndex"`
	PasswordHash  string     `gorm:"column:pwhash;size:64;not null"`
	PublishMask   perms.Mask `gorm:"column:pub;not null;default:0"`
	SubscribeMask perms.Mask `gorm:"column:sub;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Account is the identity attached to a session after successful
// authentication. The masks are the account-wide capability ceiling.
type Account struct {
	UserID        uint64
	Username      string
	PublishMask   perms.Mask
	SubscribeMask perms.Mask
}
