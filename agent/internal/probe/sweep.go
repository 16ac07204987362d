package probe

// ICMP liveness sweep using fping.
//
// fping probes a whole subnet from one process. With -C 1 -q it prints one
// summary line per target on stderr:
//
//	192.168.1.1 : 0.52
//	192.168.1.2 : -
//
// where "-" means no echo reply arrived before the timeout.

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrFpingUnavailable is returned when the fping binary cannot be found.
var ErrFpingUnavailable = errors.New("fping not found")

// Sweeper finds the hosts in a target list that answer ICMP echo.
type Sweeper struct {
	// FpingPath is the fping binary (default: "fping" on PATH).
	FpingPath string
	// Timeout is the per-target reply timeout.
	Timeout time.Duration
	// IntervalMs is the gap between packets to different targets.
	IntervalMs int

	logger *slog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(fpingPath string, timeout time.Duration, logger *slog.Logger) *Sweeper {
	if fpingPath == "" {
		fpingPath = "fping"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Sweeper{
		FpingPath:  fpingPath,
		Timeout:    timeout,
		IntervalMs: 5,
		logger:     logger.With("component", "sweeper"),
	}
}

// Available reports whether fping can be executed.
func (s *Sweeper) Available() bool {
	_, err := exec.LookPath(s.FpingPath)
	return err == nil
}

// Alive returns the addresses, in string form, that replied to an echo request.
func (s *Sweeper) Alive(ctx context.Context, ips []net.IP) (map[string]bool, error) {
	if len(ips) == 0 {
		return map[string]bool{}, nil
	}
	path, err := exec.LookPath(s.FpingPath)
	if err != nil {
		return nil, ErrFpingUnavailable
	}

	// -C 1  : one echo per target
	// -q    : summary output only
	// -t ms : reply timeout
	// -i ms : interval between targets
	// -B 1  : no exponential backoff
	// -r 0  : no retries
	args := []string{
		"-C", "1",
		"-q",
		"-t", strconv.FormatInt(s.Timeout.Milliseconds(), 10),
		"-i", strconv.Itoa(s.IntervalMs),
		"-B", "1",
		"-r", "0",
	}
	for _, ip := range ips {
		args = append(args, ip.String())
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	// fping exits non-zero whenever any target is unreachable.
	runErr := cmd.Run()
	if stderr.Len() == 0 && runErr != nil {
		return nil, runErr
	}

	alive := parseFpingOutput(stderr.Bytes())
	s.logger.Debug("icmp sweep finished",
		"targets", len(ips),
		"alive", len(alive),
		"duration", time.Since(start))
	return alive, nil
}

// parseFpingOutput returns the targets with at least one reply.
func parseFpingOutput(output []byte) map[string]bool {
	alive := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		ip, values, ok := strings.Cut(scanner.Text(), " : ")
		if !ok {
			continue
		}
		ip = strings.TrimSpace(ip)
		if net.ParseIP(ip) == nil {
			continue
		}
		for _, v := range strings.Fields(values) {
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				alive[ip] = true
				break
			}
		}
	}
	return alive
}
