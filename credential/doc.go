// Package credential mints and checks the credentials handed to clients:
// signed access tokens, opaque refresh secrets and single-purpose tokens.
//
// Every verification failure collapses into [ErrTokenInvalid]. A token is
// accepted only when its signature, algorithm, issuer, audience and (when
// requested) lifetime check out and its id is absent from the revocation
// registry. Registry errors and cancelled contexts count as revoked.
package credential
