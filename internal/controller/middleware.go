package controller

import (
	"net/http"
	"strconv"
)

// resolveIdentity derives the peer's external identity token: a trusted
// reverse-proxy header when configured, else the configured default user.
// The account system behind it is an external collaborator; the broker only
// carries the token through.
func (c controller) resolveIdentity(r *http.Request) string {
	if fh := c.cfg.ForwardedHeader; fh != nil && fh.UsernameHeader != "" {
		if username := r.Header.Get(fh.UsernameHeader); username != "" {
			return username
		}
		if !fh.AutoCreateMissingUser {
			return ""
		}
	}

	if c.cfg.DefaultUserID != nil {
		return "user:" + strconv.Itoa(*c.cfg.DefaultUserID)
	}

	return ""
}
