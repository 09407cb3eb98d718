// Package proxy is the embedded HTTP proxy owned by a hosted process.
//
// A [Server] listens on a local TCP port and forwards requests whose query
// carries an encoded target:
//
//	/<file name>?q=<base64url({"u": "<remote url>", "h": {<header>: <value>}})>
//
// The target is fetched with the encoded request headers and streamed back.
// Targets whose file name contains ".m3u8" are treated as HLS playlists and
// every media line and URI attribute is rewritten into another proxy URL
// carrying the same headers, so segment fetches also go through the proxy.
//
// Starting a server yields a [Handle], the only reference callers hold to a
// running proxy. A handle is invalidated when its server stops; a restarted
// server issues a new handle.
package proxy
