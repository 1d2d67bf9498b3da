package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveHostname returns the explicit hostname when given, otherwise
// reads it from the system identity file. All whitespace is stripped,
// matching how NixOS writes /etc/hostname.
func ResolveHostname(explicit, path string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if path == "" {
		path = DefaultHostnameFile
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hostname not given and %s is unreadable: %w", path, err)
	}
	host := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, string(raw))
	if host == "" {
		return "", fmt.Errorf("hostname not given and %s is empty", path)
	}
	return host, nil
}
