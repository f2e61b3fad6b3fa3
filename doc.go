// Package varycache implements a shared HTTP response cache as middleware.
//
// The middleware decides, per RFC 7234 shared-cache semantics, whether an
// incoming request may be answered from storage and whether an upstream
// response may be stored and for how long. Responses are stored under a
// base key derived from the request method and path; a Vary header (or
// query keys announced by the handler, see SetVaryByQueryKeys) introduces
// an indirection record that maps one base key to several stored
// representations.
//
// Storage is pluggable: anything satisfying the byte-oriented Storage
// interface will do. Backends for memory, sqlite and Redis live under
// storage/.
package varycache
