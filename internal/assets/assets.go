// Package assets embeds the live-update client served to previewed pages.
package assets

import "embed"

// ClientJSPath is the URL the live-update client is served from.
const ClientJSPath = "/assets/liveserve-client.js"

//go:embed client/*
var clientFS embed.FS

// GetClientJS returns the browser live-update script
func GetClientJS() ([]byte, error) {
	return clientFS.ReadFile("client/liveserve-client.js")
}
