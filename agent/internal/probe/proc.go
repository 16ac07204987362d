package probe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const rtfGateway = 0x2

// ParseARPTable parses /proc/net/arp into an ip -> mac map.
// Incomplete entries are skipped.
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.1      0x1         0x2         aa:bb:cc:dd:ee:ff     *        eth0
func ParseARPTable(r io.Reader) (map[string]string, error) {
	table := make(map[string]string)
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, flags, mac := fields[0], fields[2], strings.ToLower(fields[3])
		if flags == "0x0" || mac == "00:00:00:00:00:00" {
			continue
		}
		if net.ParseIP(ip) == nil {
			continue
		}
		table[ip] = mac
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning arp table: %w", err)
	}
	return table, nil
}

// ParseRouteTable extracts gateway addresses from /proc/net/route.
// Addresses are stored as little-endian hex.
//
//	Iface  Destination  Gateway   Flags  RefCnt  Use  Metric  Mask      MTU  Window  IRTT
//	eth0   00000000     0101A8C0  0003   0       0    100     00000000  0    0       0
func ParseRouteTable(r io.Reader) ([]net.IP, error) {
	var gateways []net.IP
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil || flags&rtfGateway == 0 {
			continue
		}
		raw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil || raw == 0 {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
		if !seen[ip.String()] {
			seen[ip.String()] = true
			gateways = append(gateways, ip)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning route table: %w", err)
	}
	return gateways, nil
}
