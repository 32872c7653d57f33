package auth

import "context"

// Claims is the identity carried by a verified token. Values are only
// produced by Validator.Verify.
type Claims struct {
	userID   string
	username string
	email    string
}

// UserID is the token subject.
func (c *Claims) UserID() string {
	return c.userID
}

// Username is the "cognito:username" claim, or empty.
func (c *Claims) Username() string {
	return c.username
}

// Email is the "email" claim, or empty.
func (c *Claims) Email() string {
	return c.email
}

type claimsKey struct{}

// NewContext returns a copy of ctx carrying the verified claims.
func NewContext(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims stored by NewContext.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
