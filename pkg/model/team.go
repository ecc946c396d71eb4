package model

import (
	"fmt"
	"time"
)

// Team is a registered participant. A team holds at most one live connection.
type Team struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	Active     bool       `json:"active"`
	LastSeen   *time.Time `json:"last_seen"`
	CreatedAt  time.Time  `json:"created_at"`
}

const (
	MinTeamNameLength = 3
	MaxTeamNameLength = 50
)

// ValidateTeamName checks length and the allowed character set (letters,
// digits and underscore).
func ValidateTeamName(name string) error {
	if len(name) < MinTeamNameLength || len(name) > MaxTeamNameLength {
		return fmt.Errorf("team name must be %d to %d characters", MinTeamNameLength, MaxTeamNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("team name may only contain letters, digits and underscore")
		}
	}
	return nil
}
