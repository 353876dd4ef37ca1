// Package entitlements maps user types to their plan limits.
package entitlements

// UserType distinguishes anonymous sessions from registered accounts.
type UserType string

const (
	UserTypeGuest   UserType = "guest"
	UserTypeRegular UserType = "regular"
)

// Entitlements describes what a user type is allowed per rolling 24h window.
type Entitlements struct {
	MaxMessagesPerDay int
}

var byUserType = map[UserType]Entitlements{
	UserTypeGuest:   {MaxMessagesPerDay: 20},
	UserTypeRegular: {MaxMessagesPerDay: 100},
}

// ForUserType returns the entitlements for the given user type. Unknown
// types fall back to guest limits.
func ForUserType(t UserType) Entitlements {
	if e, ok := byUserType[t]; ok {
		return e
	}
	return byUserType[UserTypeGuest]
}
