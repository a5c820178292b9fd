package auth

// Role names accepted in bearer claims.
const (
	RolePublic    = "public"
	RoleAdmin     = "admin"
	RoleRegistrar = "registrar"
	RoleClient    = "client"
	RoleReader    = "reader"
	RoleAppender  = "appender"
)

// Expand returns the effective role set for the granted roles. The
// client role subsumes reader and appender.
func Expand(roles []string) map[string]bool {
	out := make(map[string]bool, len(roles)+2)
	for _, r := range roles {
		out[r] = true
		if r == RoleClient {
			out[RoleReader] = true
			out[RoleAppender] = true
		}
	}
	return out
}
