// Package remote defines the Remote Data Source contract and its
// implementations: an in-process revisioned store (Memory), an HTTP client
// (Client) and the chi-based HTTP server that exposes Memory over the wire.
//
// Revisions are opaque tokens compared by exact match. Every successful
// create or update yields a new token that was never issued before for that
// id, so a client holding an old token always observes a conflict.
//
// # Wire protocol
//
//	GET    /collections/{c}/records/{id}   200 snapshot | 404
//	POST   /collections/{c}/records        201 {id, revision} | 409 snapshot | 422
//	PUT    /collections/{c}/records/{id}   200 {revision} | 404 | 409 snapshot | 422
//	DELETE /collections/{c}/records/{id}   204 | 404 | 409 snapshot
//	GET    /healthz                        200
//
// PUT and DELETE carry the caller's last known revision in If-Match. Any 5xx
// response or transport failure maps to ErrUnreachable.
package remote
