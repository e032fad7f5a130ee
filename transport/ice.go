// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers used while gathering
// candidates. The zero value gathers host candidates only, which is
// enough on one machine or LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ParseICEServers builds an ICEConfig from server URLs such as
// "stun:stun.example.net:3478" or "turn:turn.example.net". username and
// credential apply to the TURN servers.
func ParseICEServers(urls []string, username, credential string) (ICEConfig, error) {
	var config ICEConfig
	for _, url := range urls {
		scheme, _, found := strings.Cut(url, ":")
		if !found {
			return ICEConfig{}, fmt.Errorf("transport: ICE server %q has no scheme", url)
		}
		server := webrtc.ICEServer{URLs: []string{url}}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			server.Username = username
			server.Credential = credential
		default:
			return ICEConfig{}, fmt.Errorf("transport: ICE server %q: unsupported scheme %q", url, scheme)
		}
		config.Servers = append(config.Servers, server)
	}
	return config, nil
}
