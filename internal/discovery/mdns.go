package discovery

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

// mDNS service types browsed each cycle, mapped to the service kind the
// announcement implies.
var mdnsServices = map[string]svctable.Kind{
	"_rtsp._tcp":  svctable.KindRTSP,
	"_http._tcp":  svctable.KindHTTP,
	"_onvif._tcp": svctable.KindONVIF,
}

// browseMDNS collects candidate services announced over mDNS. Browse errors
// are non-fatal: an empty result simply contributes nothing to the scan.
func browseMDNS(ctx context.Context, timeout time.Duration) []svctable.Entry {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		util.LogDebug("mdns: resolver unavailable: %v", err)
		return nil
	}

	var candidates []svctable.Entry
	for service, kind := range mdnsServices {
		browseCtx, cancel := context.WithTimeout(ctx, timeout)
		entries := make(chan *zeroconf.ServiceEntry)
		if err := resolver.Browse(browseCtx, service, "local.", entries); err != nil {
			cancel()
			util.LogDebug("mdns: browse %s failed: %v", service, err)
			continue
		}
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 || entry.Port <= 0 || entry.Port > 65535 {
				continue
			}
			candidates = append(candidates, svctable.Entry{
				Kind: kind,
				Host: entry.AddrIPv4[0].String(),
				Port: uint16(entry.Port),
			})
		}
		cancel()
	}
	return candidates
}
