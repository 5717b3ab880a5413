package permissions

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// EvaluateContext checks the request origin against cr. The returned string
// names the failing dimension.
func EvaluateContext(cr *ContextRestriction, ac AccessContext) (bool, string) {
	if cr == nil {
		return true, ""
	}
	if len(cr.AllowedIPRanges) > 0 {
		ok, err := ipAllowed(cr.AllowedIPRanges, ac.IP)
		if err != nil || !ok {
			return false, "ip address not in allowed ranges"
		}
	}
	if len(cr.AllowedDeviceTypes) > 0 && !containsFold(cr.AllowedDeviceTypes, ac.DeviceType) {
		return false, "device type not allowed"
	}
	if cr.RequireMFA && !ac.MFAVerified {
		return false, "multi-factor authentication required"
	}
	if len(cr.AllowedYards) > 0 && !containsFold(cr.AllowedYards, ac.YardID) {
		return false, "yard not allowed"
	}
	return true, ""
}

func ipAllowed(ranges []string, raw string) (bool, error) {
	addr, err := parseAddr(raw)
	if err != nil {
		return false, err
	}
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if strings.Contains(r, "/") {
			prefix, err := netip.ParsePrefix(r)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true, nil
			}
			continue
		}
		single, err := netip.ParseAddr(r)
		if err == nil && single.Unmap() == addr {
			return true, nil
		}
	}
	return false, nil
}

func parseAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, fmt.Errorf("no client address")
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func validateIPRanges(ranges []string) error {
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if strings.Contains(r, "/") {
			if _, err := netip.ParsePrefix(r); err != nil {
				return fmt.Errorf("%w: invalid ip range %q", ErrInvalidInput, r)
			}
			continue
		}
		if _, err := netip.ParseAddr(r); err != nil {
			return fmt.Errorf("%w: invalid ip address %q", ErrInvalidInput, r)
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
