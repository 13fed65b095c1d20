// Package auth provides JWT issue/verify, bcrypt credential checks, and the
// request-context plumbing both the HTTP middleware and the websocket
// authenticate frame share.
package auth
