package join

import (
	"cmp"
	"slices"
)

// mergeNetwork adds nw to networks, folding access points that share an SSID into one entry
// with the strongest signal. seen maps SSID to index in networks.
func mergeNetwork(networks []Network, seen map[string]int, nw Network) []Network {
	idx, ok := seen[nw.SSID]
	if !ok {
		seen[nw.SSID] = len(networks)
		return append(networks, nw)
	}
	prev := networks[idx]
	if nw.Signal > prev.Signal {
		prev.Signal = nw.Signal
		prev.Security = nw.Security
	}
	prev.Connected = prev.Connected || nw.Connected
	networks[idx] = prev
	return networks
}

// SortBySignal orders networks strongest first, breaking ties by SSID.
func SortBySignal(networks []Network) {
	slices.SortStableFunc(networks, func(a, b Network) int {
		if c := cmp.Compare(b.Signal, a.Signal); c != 0 {
			return c
		}
		return cmp.Compare(a.SSID, b.SSID)
	})
}
