// Package httpserver hosts the HTTP side of a sockethub instance: service
// routes, static files, the websocket endpoint, health and metrics.
package httpserver
