package aggregator

import (
	"sort"
	"time"

	"github.com/iotile/coretools/pkg/adapter"
	"github.com/iotile/coretools/pkg/model"
)

// wrapCallbacks builds the Callbacks an aggregator installs on backing
// adapter i: every event is re-tagged with adapter_index before being
// merged (scans) or translated back to a unified handle (everything
// else) and forwarded through AdapterBase's own Emit* methods to the
// host's registry, per spec §4.2's "Callback fan-in".
func (a *Aggregator) wrapCallbacks(index int) adapter.Callbacks {
	return adapter.Callbacks{
		OnScan: func(r model.ScanResult) {
			r.AdapterIndex = index
			a.recordScan(r)
			a.EmitScan(r)
		},
		OnBroadcast: func(r model.ScanResult) {
			r.AdapterIndex = index
			a.EmitBroadcast(r)
		},
		OnReport: func(underlying model.ConnectionHandle, report model.Report) {
			if h, ok := a.translate(index, underlying); ok {
				a.EmitReport(h, report)
			}
		},
		OnTrace: func(underlying model.ConnectionHandle, data []byte) {
			if h, ok := a.translate(index, underlying); ok {
				a.EmitTrace(h, data)
			}
		},
		OnProgress: func(underlying model.ConnectionHandle, sent, total int) {
			if h, ok := a.translate(index, underlying); ok {
				a.EmitProgress(h, sent, total)
			}
		},
		OnDisconnect: func(underlying model.ConnectionHandle, err error) {
			if h, ok := a.translate(index, underlying); ok {
				a.unregister(h)
				a.EmitDisconnect(h, err)
			}
		},
	}
}

func (a *Aggregator) translate(index int, underlying model.ConnectionHandle) (model.ConnectionHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.routesByUnderlying[route{AdapterIndex: index, Underlying: underlying}]
	return h, ok
}

func (a *Aggregator) recordScan(r model.ScanResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scans[r.DeviceID] == nil {
		a.scans[r.DeviceID] = make(map[int]model.ScanResult)
	}
	a.scans[r.DeviceID][r.AdapterIndex] = r
}

// sortedCandidates returns deviceID's live (non-expired) per-adapter
// scan contributions sorted by descending signal strength, the
// candidate order spec §4.2's connect routing walks through.
func (a *Aggregator) sortedCandidates(deviceID model.DeviceIdentifier) []model.ScanResult {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	byAdapter := a.scans[deviceID]
	if len(byAdapter) == 0 {
		return nil
	}
	out := make([]model.ScanResult, 0, len(byAdapter))
	for idx, r := range byAdapter {
		if r.Expired(now) {
			delete(byAdapter, idx)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalStrength > out[j].SignalStrength })
	return out
}

// MergedScans returns one MergedScanResult per device currently visible
// on any backing adapter, each device's contributions sorted by
// descending signal strength, per spec §4.2's "Scan merging". A device
// whose every contributing entry has expired is dropped entirely, per
// "Scan expiry: merged scan entries expire when the last contributing
// per-adapter entry expires."
func (a *Aggregator) MergedScans() []model.MergedScanResult {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.MergedScanResult, 0, len(a.scans))
	for deviceID, byAdapter := range a.scans {
		contributed := make([]model.ScanResult, 0, len(byAdapter))
		for idx, r := range byAdapter {
			if r.Expired(now) {
				delete(byAdapter, idx)
				continue
			}
			contributed = append(contributed, r)
		}
		if len(byAdapter) == 0 {
			delete(a.scans, deviceID)
			continue
		}
		sort.Slice(contributed, func(i, j int) bool { return contributed[i].SignalStrength > contributed[j].SignalStrength })
		out = append(out, model.MergedScanResult{DeviceID: deviceID, Contributed: contributed})
	}
	return out
}
