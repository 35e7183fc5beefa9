package audit

import (
	"net"
	"time"
)

// IPRetention is how long full IP addresses are kept.
const IPRetention = 90 * 24 * time.Hour

// AnonymizeIP truncates an address: the last IPv4 octet, or the last 80 bits
// of an IPv6 address, become zero. Invalid input returns "".
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}

	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}

// IPAnonymizationCutoff returns the time before which IP addresses are anonymized.
func IPAnonymizationCutoff(now time.Time) time.Time {
	return now.UTC().Add(-IPRetention)
}
