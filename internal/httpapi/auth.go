package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// authenticate resolves the caller's Authorization bearer token against
// snap.Users by comparing its SHA-256 hash to each User.TokenHash. When
// snap has no configured users, the gateway runs open (no auth) and
// authenticate always returns (nil, true).
func authenticate(ctx *fasthttp.RequestCtx, snap *registry.Snapshot) (*registry.User, bool) {
	if len(snap.Users) == 0 {
		return nil, true
	}

	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		return nil, false
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	for _, u := range snap.Users {
		if u.TokenHash != "" && u.TokenHash == hash {
			return u, true
		}
	}
	return nil, false
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func userTags(u *registry.User) []string {
	if u == nil || len(u.Tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(u.Tags))
	for t := range u.Tags {
		out = append(out, t)
	}
	return out
}
