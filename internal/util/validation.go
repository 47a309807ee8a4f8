package util

import (
	"regexp"
	"strings"
)

var (
	uuidRegex   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*(:[0-9]{1,5})?$`)
	nameRegex   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidDomain accepts lower-case host names with an optional port.
func IsValidDomain(s string) bool {
	return s != "" && len(s) <= 253 && domainRegex.MatchString(s)
}

func IsValidUserName(s string) bool {
	return nameRegex.MatchString(s)
}

// ParseAddress splits "name@domain". The domain is lower-cased.
func ParseAddress(addr string) (name, domain string, ok bool) {
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	name, domain = addr[:i], strings.ToLower(addr[i+1:])
	if !nameRegex.MatchString(name) || !IsValidDomain(domain) {
		return "", "", false
	}
	return name, domain, true
}
