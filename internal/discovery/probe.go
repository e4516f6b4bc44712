package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/svctable"
)

// probeHost runs one ProbeSpec against one host. A failed or timed-out
// probe returns ok=false and is simply absent from this scan's result;
// there is no retry until the next cycle.
func probeHost(ctx context.Context, host string, spec config.ProbeSpec, timeout time.Duration) (svctable.Entry, bool) {
	switch spec.Kind {
	case svctable.KindRTSP:
		return probeRTSP(ctx, host, spec.Port, timeout)
	case svctable.KindHTTP:
		return probeHTTP(ctx, host, spec.Port, timeout)
	case svctable.KindMJPEG:
		return probeMJPEG(ctx, host, spec.Port, spec.Paths, timeout)
	default:
		return svctable.Entry{}, false
	}
}

// probeRTSP sends a bare OPTIONS request and accepts any RTSP status line.
func probeRTSP(ctx context.Context, host string, port uint16, timeout time.Duration) (svctable.Entry, bool) {
	line, err := greet(ctx, host, port, timeout, "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	if err != nil || !strings.HasPrefix(line, "RTSP/1.0") {
		return svctable.Entry{}, false
	}
	return svctable.Entry{Kind: svctable.KindRTSP, Host: host, Port: port}, true
}

// probeHTTP issues a GET / and accepts any HTTP status line.
func probeHTTP(ctx context.Context, host string, port uint16, timeout time.Duration) (svctable.Entry, bool) {
	req := fmt.Sprintf("GET / HTTP/1.0\r\nHost: %s\r\n\r\n", host)
	line, err := greet(ctx, host, port, timeout, req)
	if err != nil || !strings.HasPrefix(line, "HTTP/1.") {
		return svctable.Entry{}, false
	}
	return svctable.Entry{Kind: svctable.KindHTTP, Host: host, Port: port}, true
}

// probeMJPEG tries each candidate path and classifies the service as MJPEG
// when a response advertises a multipart stream content type.
func probeMJPEG(ctx context.Context, host string, port uint16, paths []string, timeout time.Duration) (svctable.Entry, bool) {
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	for _, path := range paths {
		if ctx.Err() != nil {
			return svctable.Entry{}, false
		}
		if mjpegPath(ctx, host, port, path, timeout) {
			return svctable.Entry{Kind: svctable.KindMJPEG, Host: host, Port: port, Path: path}, true
		}
	}
	return svctable.Entry{}, false
}

func mjpegPath(ctx context.Context, host string, port uint16, path string, timeout time.Duration) bool {
	conn, err := dial(ctx, host, port, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\n\r\n", path, host)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}
	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil || !strings.Contains(status, " 200") {
		return false
	}
	// Scan response headers for the multipart stream marker.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return false
		}
		if strings.HasPrefix(strings.ToLower(line), "content-type:") &&
			strings.Contains(line, "multipart/x-mixed-replace") {
			return true
		}
	}
}

// greet dials, writes the request, and returns the first response line.
func greet(ctx context.Context, host string, port uint16, timeout time.Duration, req string) (string, error) {
	conn, err := dial(ctx, host, port, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(req)); err != nil {
		return "", err
	}
	return bufio.NewReader(conn).ReadString('\n')
}

func dial(ctx context.Context, host string, port uint16, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
}

// expandRanges enumerates candidate host addresses from CIDR ranges,
// bounded by maxHosts. Network and broadcast addresses are skipped for
// ranges wider than /31.
func expandRanges(ranges []string, maxHosts int) []string {
	var hosts []string
	for _, r := range ranges {
		if !strings.Contains(r, "/") {
			// Bare address, probe it directly.
			hosts = append(hosts, r)
			continue
		}
		ip, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		wide := bits-ones > 1
		for addr := ip.Mask(ipnet.Mask); ipnet.Contains(addr); incIP(addr) {
			if len(hosts) >= maxHosts {
				return hosts
			}
			if wide && (isNetworkAddr(addr, ipnet) || isBroadcastAddr(addr, ipnet)) {
				continue
			}
			hosts = append(hosts, addr.String())
		}
	}
	return hosts
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func isNetworkAddr(ip net.IP, ipnet *net.IPNet) bool {
	return ip.Equal(ip.Mask(ipnet.Mask))
}

func isBroadcastAddr(ip net.IP, ipnet *net.IPNet) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	for i := range v4 {
		if v4[i]|mask[i] != 0xff {
			return false
		}
	}
	return true
}
