package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/svctable"
)

// fakeRTSP answers any request with an RTSP OK status line.
func fakeRTSP(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				bufio.NewReader(c).ReadString('\n')
				c.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\n\r\n"))
			}(conn)
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func serverPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func testConfig(probes ...config.ProbeSpec) config.Config {
	return config.Config{
		ScanRanges:       []string{"127.0.0.1"},
		Probes:           probes,
		ProbeTimeout:     time.Second,
		ProbeConcurrency: 8,
		MaxProbeHosts:    16,
		ScanInterval:     time.Hour,
	}
}

// TestScanFindsRTSP: a greeting RTSP endpoint is classified and entered
// into the table.
func TestScanFindsRTSP(t *testing.T) {
	port := fakeRTSP(t)
	cfg := testConfig(config.ProbeSpec{Port: port, Kind: svctable.KindRTSP})
	table := svctable.New()
	e := New(cfg, table, clock.NewMock())

	candidates := e.Scan(context.Background())
	require.Len(t, candidates, 1)
	assert.Equal(t, svctable.KindRTSP, candidates[0].Kind)
	assert.Equal(t, port, candidates[0].Port)
}

// TestScanFindsHTTPAndMJPEG: HTTP servers are classified, and an MJPEG
// stream endpoint is recorded with its detected path.
func TestScanFindsHTTPAndMJPEG(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	}))
	t.Cleanup(httpSrv.Close)

	mjpegSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(mjpegSrv.Close)

	cfg := testConfig(
		config.ProbeSpec{Port: serverPort(t, httpSrv), Kind: svctable.KindHTTP},
		config.ProbeSpec{Port: serverPort(t, mjpegSrv), Kind: svctable.KindMJPEG, Paths: []string{"/missing", "/video"}},
	)
	table := svctable.New()
	e := New(cfg, table, clock.NewMock())

	candidates := e.Scan(context.Background())
	require.Len(t, candidates, 2)

	byKind := map[svctable.Kind]svctable.Entry{}
	for _, c := range candidates {
		byKind[c.Kind] = c
	}
	assert.Contains(t, byKind, svctable.KindHTTP)
	require.Contains(t, byKind, svctable.KindMJPEG)
	assert.Equal(t, "/video", byKind[svctable.KindMJPEG].Path)
}

// TestScanDropsUnreachable: probes against a closed port contribute
// nothing and produce no error.
func TestScanDropsUnreachable(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	cfg := testConfig(config.ProbeSpec{Port: port, Kind: svctable.KindRTSP})
	e := New(cfg, svctable.New(), clock.NewMock())

	assert.Empty(t, e.Scan(context.Background()))
}

// TestCycleForwardsOnlyChange: the first cycle announces the service, the
// second, identical one produces no diff.
func TestCycleForwardsOnlyChange(t *testing.T) {
	port := fakeRTSP(t)
	cfg := testConfig(config.ProbeSpec{Port: port, Kind: svctable.KindRTSP})
	table := svctable.New()
	e := New(cfg, table, clock.NewMock())

	ctx := context.Background()
	e.cycle(ctx)

	select {
	case diff := <-e.Diffs():
		require.Len(t, diff.Added, 1)
	default:
		t.Fatal("first cycle produced no diff")
	}

	e.cycle(ctx)
	select {
	case <-e.Diffs():
		t.Fatal("unchanged scan must not produce a diff")
	default:
	}
	assert.Equal(t, 1, table.Len())
}

// TestExpandRanges covers host enumeration bounds.
func TestExpandRanges(t *testing.T) {
	testCases := []struct {
		name     string
		ranges   []string
		maxHosts int
		want     int
	}{
		{"bare address", []string{"192.168.1.10"}, 16, 1},
		{"/30 without network and broadcast", []string{"192.168.1.0/30"}, 16, 2},
		{"/31 keeps both", []string{"192.168.1.0/31"}, 16, 2},
		{"capped /24", []string{"10.0.0.0/24"}, 10, 10},
		{"invalid range skipped", []string{"not-a-cidr/99"}, 16, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hosts := expandRanges(tc.ranges, tc.maxHosts)
			assert.Len(t, hosts, tc.want)
		})
	}
}
