// Package domain contains entity without logic, just meta-data
package domain

const MaxDisplayNameLen = 36

type (
	RoomName string
	// DisplayName identifies a participant to its peers. Unique among
	// active sessions; the empty string marks an ownerless session and
	// is filtered out of participant lists.
	DisplayName string
)

// ValidateDisplayName is applied once, at join time.
func ValidateDisplayName(name DisplayName) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrNameTooLong
	}
	return nil
}
