package auth

// Identity is fixed for the lifetime of a connection. It is either
// Authenticated or Anonymous.
type Identity interface {
	identity()
}

type Authenticated struct {
	UserID string
	Email  string
}

type Anonymous struct {
	AnonymousID string
}

func (Authenticated) identity() {}
func (Anonymous) identity()     {}

// IdentityID returns the id used for presence and permission lookups.
func IdentityID(id Identity) string {
	switch v := id.(type) {
	case Authenticated:
		return v.UserID
	case Anonymous:
		return v.AnonymousID
	default:
		return ""
	}
}

// Identify verifies token and falls back to an anonymous identity built
// from connID when the token is missing or invalid.
func Identify(v *Verifier, token, connID string) Identity {
	if token != "" && v != nil {
		if claims, err := v.Verify(token); err == nil {
			return Authenticated{UserID: claims.UserID, Email: claims.Email}
		}
	}
	return Anonymous{AnonymousID: "anon-" + connID}
}
