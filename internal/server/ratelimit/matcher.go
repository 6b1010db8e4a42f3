package ratelimit

import "strings"

// unlimitedPaths are GET endpoints that are never limited.
var unlimitedPaths = map[string]bool{
	"/health": true,
	"/events": true,
}

// MatchEndpoint returns the config that applies to method and path, or nil
// when the default limit applies. An exact path beats a prefix and a longer
// prefix beats a shorter one. Unlimited endpoints get a zero Limit.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if method == "GET" && unlimitedPaths[path] {
		return &EndpointConfig{Path: path, Method: method}
	}

	var best *EndpointConfig
	for i := range configs {
		c := &configs[i]
		if c.Method != method {
			continue
		}
		if c.Path == path {
			return c
		}
		if strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) {
			if best == nil || len(c.Path) > len(best.Path) {
				best = c
			}
		}
	}
	return best
}
