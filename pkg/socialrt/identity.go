package socialrt

// Connect header names carrying the user's identity.
const (
	HeaderUserID = "userId"
	HeaderRole   = "role"
	HeaderEmail  = "email"
)

// Identity is the user a chat connection is opened for.
// Role and Email are optional and omitted from the handshake when empty.
type Identity struct {
	UserID string
	Role   string
	Email  string
}

// Headers returns the STOMP CONNECT headers for the identity.
func (i Identity) Headers() map[string]string {
	headers := map[string]string{HeaderUserID: i.UserID}
	if i.Role != "" {
		headers[HeaderRole] = i.Role
	}
	if i.Email != "" {
		headers[HeaderEmail] = i.Email
	}
	return headers
}
