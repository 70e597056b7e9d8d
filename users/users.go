package users

import "encoding/json"

// RoleType represents a user's role within their workspace
type RoleType string

const (
	RoleOwner  RoleType = "owner"  // Can manage billing, members, and workspace settings
	RoleAdmin  RoleType = "admin"  // Can manage members and projects
	RoleMember RoleType = "member" // Regular user
	RoleViewer RoleType = "viewer" // Read-only access
)

// TierType represents a workspace subscription tier
type TierType string

const (
	TierFree      TierType = "free"
	TierPro       TierType = "pro"
	TierUnlimited TierType = "unlimited"
)

// Profile is the server-authoritative user record returned by the profile
// endpoint. A copy is mirrored into the credential store for fast paint on
// startup; the mirror is always superseded by the next successful fetch.
type Profile struct {
	ID         string   `json:"id,omitempty"`    // Unique identifier for the user
	Email      string   `json:"email,omitempty"` // User's email address
	Name       string   `json:"name,omitempty"`  // Display name
	Role       RoleType `json:"role,omitempty"`  // Role within the workspace
	Tier       TierType `json:"subscription_tier,omitempty"`
	TasksUsed  int      `json:"tasks_used,omitempty"` // Usage counters for plan limits
	TasksMax   int      `json:"tasks_max,omitempty"`
	AIRunsUsed int      `json:"ai_runs_used,omitempty"`
	AIRunsMax  int      `json:"ai_runs_max,omitempty"`
}

// HasIdentity reports whether the profile carries a usable identity field.
// Profiles coming back from an OAuth exchange are rejected without one.
func (p *Profile) HasIdentity() bool {
	if p == nil {
		return false
	}
	return p.ID != "" || p.Email != ""
}

// Encode serializes the profile for the credential store mirror.
func (p *Profile) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode deserializes a credential store mirror. A corrupt mirror returns an
// error rather than a partial profile.
func Decode(raw string) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
