// Package api exposes the operator HTTP API consumed by the web UI.
//
// Every route under /api requires "Authorization: Bearer <admin password>".
// Long running work (publishing, global cleanup) is started in the
// background and the request returns immediately.
package api
