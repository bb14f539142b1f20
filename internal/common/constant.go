// Package common contains shared constants and sentinel errors used across
// passvault components.
package common

// AccessTokenHeaderName is the HTTP header used to carry the access token
// on outbound requests (as a bearer token).
const AccessTokenHeaderName = "Authorization"
