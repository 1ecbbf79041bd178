package ext

import (
	"strings"

	"openidrp/openid"
)

// NSTeams is the Launchpad team membership namespace.
const NSTeams = "http://ns.launchpad.net/2007/openid-teams"

// Teams asks the provider which of the configured teams the user is in.
type Teams struct {
	query []string
}

// NewTeams returns a team extension querying the given team names.
func NewTeams(query []string) *Teams {
	return &Teams{query: query}
}

func (*Teams) Name() string { return "teams" }

func (t *Teams) ExtendRequest(req *openid.AuthRequest) error {
	return req.AddExtension(NSTeams, "lp", map[string]string{
		"query_membership": strings.Join(t.query, ","),
	})
}

func (*Teams) ExtendFetch(*openid.FetchRequest) {}

// Process adds asserted memberships without removing any already present.
func (*Teams) Process(resp *openid.Response, id *openid.Identity) error {
	fields, ok := resp.Extension(NSTeams)
	if !ok {
		return nil
	}
	for _, team := range strings.Split(fields["is_member"], ",") {
		id.AddTeams(strings.TrimSpace(team))
	}
	return nil
}
