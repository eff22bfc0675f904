package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gnssrx/internal/gps"
	"gnssrx/internal/ntrip"
)

// RTKSnapshot is the correction forwarder as shown in the status API.
type RTKSnapshot struct {
	State     string `json:"state"`
	Format    string `json:"format"`
	SrcPort   string `json:"src_port"`
	Forwarded uint64 `json:"forwarded_bytes"`
	LastError string `json:"last_error,omitempty"`
}

// Status collects the parts of the process state served at /api/status.
// Sources are pulled on every request, so they must be safe to call
// concurrently.
type Status struct {
	startUnixNano int64
	dumpPath      atomic.Value // string
	gps           atomic.Value // func() gps.Snapshot
	rtk           atomic.Value // func() RTKSnapshot
	ntrip         atomic.Value // func() ntrip.Stats
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.dumpPath.Store("")
	return s
}

func (s *Status) SetDumpPath(path string) { s.dumpPath.Store(path) }

func (s *Status) SetGPSSource(fn func() gps.Snapshot) {
	if fn != nil {
		s.gps.Store(fn)
	}
}

func (s *Status) SetRTKSource(fn func() RTKSnapshot) {
	if fn != nil {
		s.rtk.Store(fn)
	}
}

func (s *Status) SetNTRIPSource(fn func() ntrip.Stats) {
	if fn != nil {
		s.ntrip.Store(fn)
	}
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service   string       `json:"service"`
	NowUTC    string       `json:"now_utc"`
	UptimeSec int64        `json:"uptime_sec"`
	Build     BuildInfo    `json:"build"`
	DumpPath  string       `json:"raw_dump_path,omitempty"`
	GPS       gps.Snapshot `json:"gps"`
	RTK       *RTKSnapshot `json:"rtk,omitempty"`
	NTRIP     *ntrip.Stats `json:"ntrip,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "gnssrx",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Build:     buildInfo(),
		DumpPath:  s.dumpPath.Load().(string),
	}
	if fn, ok := s.gps.Load().(func() gps.Snapshot); ok {
		snap.GPS = fn()
	}
	if fn, ok := s.rtk.Load().(func() RTKSnapshot); ok {
		r := fn()
		snap.RTK = &r
	}
	if fn, ok := s.ntrip.Load().(func() ntrip.Stats); ok {
		n := fn()
		snap.NTRIP = &n
	}
	return snap
}

func buildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}
