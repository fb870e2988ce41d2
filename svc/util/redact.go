package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&]+)`)

func RedactContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	return "[" + humanLen(len(content)) + " REDACTED]"
}

func humanLen(n int) string {
	switch {
	case n < 1024:
		return "<1KB"
	case n < 1024*1024:
		return "<1MB"
	default:
		return ">=1MB"
	}
}

// RedactQuery strips credential-looking values from a raw query or log line.
func RedactQuery(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
