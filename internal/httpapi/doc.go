// Package httpapi exposes the engine over JSON/HTTP with a chi router.
//
// Token failures of any kind are a bare 401. A locked account is a 423
// with a fixed message. Request bodies are checked with validator tags
// before the engine sees them.
package httpapi
