// Package auth provides user identity for taskward: the User model consumed
// by the rbac and audit engines, SQL-backed API tokens, and the HTTP
// middleware that turns a bearer token into a request user.
//
// # API Tokens
//
// Tokens look like tw_<base64url(32 random bytes)>. Only the SHA-256 hash is
// stored; the plaintext is returned once from CreateToken.
//
//	token, meta, err := store.CreateToken(ctx, user.ID, "ci", nil)
//
// # Middleware
//
// Authenticate never rejects a request without credentials. It stores the
// anonymous user instead and leaves the 401/403 decision to the rbac
// middleware that guards each route.
//
//	router.Use(auth.NewMiddleware(store, logger).Authenticate)
//	user := auth.UserFromContext(r.Context())
package auth
