package openid

// Identity is the verified result of a positive assertion. ClaimedID is
// always set; the profile fields depend on which extensions the provider
// honoured.
type Identity struct {
	ClaimedID string
	LocalID   string
	Endpoint  string
	Nickname  string
	FullName  string
	Email     string
	Teams     []string
}

// AddTeams appends memberships not already present, keeping order.
func (id *Identity) AddTeams(teams ...string) {
	for _, t := range teams {
		if t == "" || id.HasTeam(t) {
			continue
		}
		id.Teams = append(id.Teams, t)
	}
}

// HasTeam reports whether the identity asserted membership of team.
func (id *Identity) HasTeam(team string) bool {
	for _, t := range id.Teams {
		if t == team {
			return true
		}
	}
	return false
}
