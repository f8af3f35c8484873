// Package netutil provides network utilities for IP range enumeration and port scanning.
package netutil

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// MaxHosts bounds how many addresses one target may expand to.
const MaxHosts = 1 << 16

// ParseCIDR parses a CIDR notation string and returns all IP addresses in the range.
// Example: "192.168.1.0/24" returns all 254 usable IPs (excludes network and broadcast).
func ParseCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if ones, bits := ipnet.Mask.Size(); bits-ones > 16 {
		return nil, fmt.Errorf("CIDR %s exceeds %d hosts", cidr, MaxHosts)
	}

	var ips []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		ips = append(ips, ip.String())
	}

	// Remove network address and broadcast address for IPv4
	if len(ips) > 2 {
		return ips[1 : len(ips)-1], nil
	}

	return ips, nil
}

// ParseRange parses an IP range and returns all IPs between start and end (inclusive).
// Example: "192.168.1.1", "192.168.1.10" returns 10 IPs.
func ParseRange(startIP, endIP string) ([]string, error) {
	start := net.ParseIP(startIP)
	if start == nil {
		return nil, fmt.Errorf("invalid start IP: %s", startIP)
	}

	end := net.ParseIP(endIP)
	if end == nil {
		return nil, fmt.Errorf("invalid end IP: %s", endIP)
	}

	start = start.To4()
	end = end.To4()

	if start == nil || end == nil {
		return nil, fmt.Errorf("only IPv4 addresses are supported")
	}

	startInt := ipToUint32(start)
	endInt := ipToUint32(end)

	if startInt > endInt {
		return nil, fmt.Errorf("start IP must be less than or equal to end IP")
	}
	if endInt-startInt >= MaxHosts {
		return nil, fmt.Errorf("range %s-%s exceeds %d hosts", startIP, endIP, MaxHosts)
	}

	var ips []string
	for i := startInt; i <= endInt; i++ {
		ips = append(ips, uint32ToIP(i).String())
		if i == ^uint32(0) {
			break
		}
	}

	return ips, nil
}

// ParseTarget expands one scan target: a CIDR block, a "start-end" range
// or a single host name or address.
func ParseTarget(target string) ([]string, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return nil, fmt.Errorf("empty target")
	case strings.Contains(target, "/"):
		return ParseCIDR(target)
	case strings.Contains(target, "-") && IsValidIP(strings.TrimSpace(strings.SplitN(target, "-", 2)[0])):
		parts := strings.SplitN(target, "-", 2)
		return ParseRange(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	default:
		return []string{target}, nil
	}
}

// ParseTargets expands every target, dropping duplicates while keeping order.
func ParseTargets(targets []string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	for _, t := range targets {
		expanded, err := ParseTarget(t)
		if err != nil {
			return nil, err
		}
		for _, h := range expanded {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// IsValidIP checks if the given string is a valid IP address.
func IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// incIP increments an IP address by one.
func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// ipToUint32 converts an IPv4 address to a uint32.
func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return binary.BigEndian.Uint32(ip)
}

// uint32ToIP converts a uint32 to an IPv4 address.
func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
