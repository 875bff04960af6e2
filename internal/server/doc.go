// Package server provides the service's transports: the binary TCP
// framing protocol, the JSON WebSocket transport and the HTTP monitoring
// API. Both transports feed the same session pipeline.
package server
