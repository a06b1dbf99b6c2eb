// Package jwt signs and parses the typed access and purpose tokens with a
// single pinned algorithm and strict issuer/audience validation.
package jwt
