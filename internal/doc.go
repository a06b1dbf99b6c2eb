// Package internal holds the random material helpers shared by the
// credential and lockout packages: refresh secrets and their hashes, and
// security stamps.
//
// # Sub-packages
//
//   - config: environment and .env loading for cmd/authd
//   - httpapi: the chi router and JSON handlers served by cmd/authd
//   - scheduler: periodic background tasks owned by the Engine
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
package internal
