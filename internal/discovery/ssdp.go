package discovery

import (
	"net/url"
	"strconv"
	"time"

	"github.com/koron/go-ssdp"

	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

// searchSSDP issues one SSDP M-SEARCH and maps responding devices to HTTP
// candidates via their description URL. Many IP cameras announce themselves
// over UPnP even when they resist active probing.
func searchSSDP(timeout time.Duration) []svctable.Entry {
	waitSec := int(timeout / time.Second)
	if waitSec < 1 {
		waitSec = 1
	}
	services, err := ssdp.Search(ssdp.All, waitSec, "")
	if err != nil {
		util.LogDebug("ssdp: search failed: %v", err)
		return nil
	}

	var candidates []svctable.Entry
	for _, svc := range services {
		loc, err := url.Parse(svc.Location)
		if err != nil || loc.Hostname() == "" {
			continue
		}
		port := svctable.KindHTTP.DefaultPort()
		if p := loc.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n <= 0 || n > 65535 {
				continue
			}
			port = uint16(n)
		}
		candidates = append(candidates, svctable.Entry{
			Kind: svctable.KindHTTP,
			Host: loc.Hostname(),
			Port: port,
		})
	}
	return candidates
}
