package probe

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
)

var (
	ErrInvalidCIDR     = errors.New("invalid cidr")
	ErrIPv4Only        = errors.New("only IPv4 networks are scanned")
	ErrHostCapExceeded = errors.New("host count exceeds safety cap")
)

// MaxHostsPerSubnet caps a single subnet sweep at a /16.
const MaxHostsPerSubnet = 1 << 16

// ParseCIDR validates an IPv4 network for scanning.
func ParseCIDR(raw string) (*net.IPNet, error) {
	_, network, err := net.ParseCIDR(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCIDR, err)
	}
	if network.IP.To4() == nil {
		return nil, ErrIPv4Only
	}
	return network, nil
}

// HostsFromCIDR expands an IPv4 network, skipping the network and broadcast
// addresses of anything larger than a /31.
func HostsFromCIDR(network *net.IPNet) ([]net.IP, error) {
	if network == nil || network.IP.To4() == nil {
		return nil, ErrIPv4Only
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, ErrIPv4Only
	}

	total := uint64(1) << uint(32-ones)
	if total > MaxHostsPerSubnet {
		return nil, fmt.Errorf("%w: %s has %d addresses", ErrHostCapExceeded, network, total)
	}

	base := binary.BigEndian.Uint32(network.IP.To4().Mask(network.Mask))
	hosts := make([]net.IP, 0, total)
	for i := uint64(0); i < total; i++ {
		if ones <= 30 && (i == 0 || i == total-1) {
			continue
		}
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, base+uint32(i))
		hosts = append(hosts, ip)
	}
	return hosts, nil
}

// Infrastructure tends to sit on these last octets, so they are probed first
// and show up early in progress reports.
var priorityOctets = []byte{1, 254, 2, 3, 10, 100, 253, 252}

func octetRank(o byte) int {
	if i := slices.Index(priorityOctets, o); i >= 0 {
		return i
	}
	if o == 0 || o == 255 {
		return 1000 + int(o)
	}
	return 100 + int(o)
}

// SortByScanPriority orders addresses so likely infrastructure comes first,
// then the remaining addresses ascending, with .0 and .255 last.
func SortByScanPriority(ips []net.IP) {
	slices.SortStableFunc(ips, func(a, b net.IP) int {
		a4, b4 := a.To4(), b.To4()
		if a4 == nil || b4 == nil {
			return bytes.Compare(a, b)
		}
		return cmp.Or(
			cmp.Compare(octetRank(a4[3]), octetRank(b4[3])),
			bytes.Compare(a4, b4),
		)
	})
}
