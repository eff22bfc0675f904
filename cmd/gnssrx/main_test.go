package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gnssrx/internal/config"
	"gnssrx/internal/replay"
	"gnssrx/internal/rtk"
	"gnssrx/internal/sim"
	"gnssrx/internal/web"
)

func nmeaSentence(payload string) string {
	var cs byte
	for i := 0; i < len(payload); i++ {
		cs ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, cs)
}

const (
	testGGA = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
	testRMC = "GPRMC,123520,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
)

// fakeDevice behaves like a serial port with a read timeout: Read returns
// (0, nil) when nothing is queued and io.EOF once closed.
type fakeDevice struct {
	mu     sync.Mutex
	in     bytes.Buffer
	writes []string
	closed bool
	// ack answers "%%" commands with an RE reply.
	ack bool
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.EOF
	}
	if d.in.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer d.mu.Unlock()
	return d.in.Read(p)
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, string(p))
	if d.ack && strings.HasPrefix(string(p), "%%") {
		d.in.WriteString("RE002%%\r\n")
	}
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) feed(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.in.WriteString(s)
}

func (d *fakeDevice) written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

func openerFor(devs map[string]*fakeDevice) deviceOpener {
	return func(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
		d, ok := devs[device]
		if !ok {
			return nil, fmt.Errorf("no such device %s", device)
		}
		return d, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadRunConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnssrx.yaml")
	if err := os.WriteFile(path, []byte("device:\n  port: /dev/ttyS0\n  baud: 9600\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := loadRunConfig(runFlags{configPath: path, port: "/dev/ttyUSB3", parser: "oem6"})
	if err != nil {
		t.Fatalf("loadRunConfig() error: %v", err)
	}
	if cfg.Device.Port != "/dev/ttyUSB3" || cfg.Device.Baud != 9600 {
		t.Fatalf("device=%+v", cfg.Device)
	}
	if cfg.Parser != "NOVATEL_OEM6" {
		t.Fatalf("parser=%q", cfg.Parser)
	}

	if _, err := loadRunConfig(runFlags{parser: "sirf"}); err == nil {
		t.Fatalf("expected error for unknown parser")
	}
	if _, err := loadRunConfig(runFlags{baud: -1}); err == nil {
		t.Fatalf("expected error for negative baud")
	}
	if _, err := loadRunConfig(runFlags{configPath: filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestSummarizeCapture(t *testing.T) {
	recs := []replay.Record{
		{At: 0},
		{At: 0, Chunk: []byte("ab")},
		{At: 3 * time.Second, Chunk: []byte("c")},
		{At: 10 * time.Second},
		{At: 11 * time.Second, Chunk: []byte("d")},
	}
	s := summarizeCapture(recs, true)
	if s.Segments != 2 || s.Chunks != 3 || s.Bytes != 4 || s.MaxDuration != 3*time.Second {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s := summarizeCapture(recs[1:3], false); s.Segments != 1 {
		t.Fatalf("expected implicit segment, got %+v", s)
	}
}

// obsLine holds the fields the replay tests look at.
type obsLine struct {
	Source     string   `json:"source"`
	LatDeg     *float64 `json:"lat_deg"`
	Satellites *int     `json:"satellites"`
	SpeedKt    *float64 `json:"speed_kt"`
}

func decodeLines(t *testing.T, out string) []obsLine {
	t.Helper()
	var lines []obsLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var l obsLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad json line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestRunReplay_RawCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rover_20240101_000000.gps")
	body := nmeaSentence(testGGA) + "$GPGGA,garbage*00\r\n" + nmeaSentence(testRMC)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	var out, errOut bytes.Buffer
	if err := runReplay(context.Background(), path, replayFlags{parser: "NMEA", speed: 1}, &out, &errOut); err != nil {
		t.Fatalf("runReplay() error: %v", err)
	}
	obs := decodeLines(t, out.String())
	// Raw captures are one chunk here, so both sentences land in one snapshot.
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation line, got %d: %s", len(obs), out.String())
	}
	if obs[0].Satellites == nil || *obs[0].Satellites != 8 || obs[0].SpeedKt == nil {
		t.Fatalf("unexpected observation %+v", obs[0])
	}
	if !strings.Contains(errOut.String(), "decoded=2 ignored=0 malformed=1") {
		t.Fatalf("unexpected summary %q", errOut.String())
	}
}

func TestRunReplay_TimedCaptureKeepsChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timed.gps")
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	gga := nmeaSentence(testGGA)
	base := time.Now()
	chunks := []string{gga[:10], gga[10:], nmeaSentence(testRMC)}
	for i, c := range chunks {
		if err := w.WriteChunk(base.Add(time.Duration(i)*time.Hour), []byte(c)); err != nil {
			t.Fatalf("WriteChunk() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var out bytes.Buffer
	// --fast: the hour-long gaps must not be slept.
	if err := runReplay(context.Background(), path, replayFlags{parser: "NMEA", speed: 1, fast: true, quiet: true}, &out, io.Discard); err != nil {
		t.Fatalf("runReplay() error: %v", err)
	}
	obs := decodeLines(t, out.String())
	if len(obs) != 2 {
		t.Fatalf("expected 2 observation lines, got %d: %s", len(obs), out.String())
	}
	if obs[0].SpeedKt != nil || obs[1].SpeedKt == nil {
		t.Fatalf("expected speed only after RMC: %+v", obs)
	}
}

func TestRunReplay_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.gps")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := runReplay(context.Background(), empty, replayFlags{parser: "NMEA", speed: 1}, io.Discard, io.Discard); err == nil {
		t.Fatalf("expected error for empty capture")
	}
	if err := runReplay(context.Background(), filepath.Join(dir, "none"), replayFlags{parser: "NMEA", speed: 1}, io.Discard, io.Discard); err == nil {
		t.Fatalf("expected error for missing capture")
	}
	if err := runReplay(context.Background(), empty, replayFlags{parser: "UBX", speed: 1}, io.Discard, io.Discard); err == nil {
		t.Fatalf("expected error for unknown parser")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "gnssrx dev\n") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestLiveRuntime_DecodesAndDumps(t *testing.T) {
	rx := &fakeDevice{}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Device.Port = "rx0"
	cfg.RawDump.Prefix = "rover"
	cfg.RawDump.Dir = dir

	ctx, cancel := context.WithCancel(context.Background())
	status := web.NewStatus()
	rt, err := newLiveRuntime(ctx, cfg, openerFor(map[string]*fakeDevice{"rx0": rx}), status)
	if err != nil {
		t.Fatalf("newLiveRuntime() error: %v", err)
	}
	_, updates := rt.hub.Subscribe(8)

	rx.feed(nmeaSentence(testGGA))
	waitFor(t, "decoded GGA", func() bool { return rt.svc.SignalAcquired() })

	select {
	case snap := <-updates:
		if snap.Totals.Decoded != 1 {
			t.Fatalf("stream snapshot=%+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a stream update")
	}

	st := status.Snapshot(time.Now().UTC())
	if st.GPS.Device != "rx0" || st.RTK != nil {
		t.Fatalf("status=%+v", st)
	}
	if !strings.HasPrefix(filepath.Base(st.DumpPath), "rover_") {
		t.Fatalf("dump path=%q", st.DumpPath)
	}

	cancel()
	rt.Close()

	b, err := os.ReadFile(st.DumpPath)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if string(b) != nmeaSentence(testGGA) {
		t.Fatalf("dump=%q", b)
	}
}

func TestLiveRuntime_ArmsPumpsAndDisarms(t *testing.T) {
	rx := &fakeDevice{ack: true}
	corr := &fakeDevice{}
	corr.feed("\xd3\x00\x02\xaa\xbb")

	cfg := config.Default()
	cfg.Device.Port = "rx0"
	cfg.RTK.SrcPort = "corr0"
	cfg.RTK.Format = "rtcm3"
	cfg.RTK.ReplyTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	status := web.NewStatus()
	rt, err := newLiveRuntime(ctx, cfg, openerFor(map[string]*fakeDevice{"rx0": rx, "corr0": corr}), status)
	if err != nil {
		t.Fatalf("newLiveRuntime() error: %v", err)
	}
	if rt.fwd.State() != rtk.StateActive {
		t.Fatalf("forwarder state=%s", rt.fwd.State())
	}

	waitFor(t, "forwarded corrections", func() bool {
		for _, w := range rx.written() {
			if w == ">>\xd3\x00\x02\xaa\xbb" {
				return true
			}
		}
		return false
	})
	if snap := status.Snapshot(time.Now().UTC()); snap.RTK == nil || snap.RTK.Forwarded != 5 {
		t.Fatalf("rtk status=%+v", snap.RTK)
	}

	cancel()
	rt.Close()
	if rt.fwd.State() != rtk.StateInactive {
		t.Fatalf("expected inactive after close, got %s", rt.fwd.State())
	}
	writes := rx.written()
	if last := writes[len(writes)-1]; !strings.HasPrefix(last, "%%set,/par/cur/term/imode,cmd") {
		t.Fatalf("expected disarm command last, got %q", last)
	}
}

func TestLiveRuntime_NoDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Port = "missing"
	if _, err := newLiveRuntime(context.Background(), cfg, openerFor(nil), nil); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestSimulate_TimedCaptureReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.gps")
	f := simulateFlags{out: path, timed: true, fast: true, interval: time.Second, count: 3, lat: 48.1, lon: 11.5, sats: 9}
	if err := runSimulate(context.Background(), f, nil, io.Discard); err != nil {
		t.Fatalf("runSimulate() error: %v", err)
	}

	var out bytes.Buffer
	if err := runReplay(context.Background(), path, replayFlags{parser: "NMEA", speed: 1, fast: true, quiet: true}, &out, io.Discard); err != nil {
		t.Fatalf("runReplay() error: %v", err)
	}
	lines := decodeLines(t, out.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 observation lines, got %d: %s", len(lines), out.String())
	}
	for _, l := range lines {
		if l.Satellites == nil || *l.Satellites != 9 || l.LatDeg == nil || l.SpeedKt == nil {
			t.Fatalf("unexpected observation %+v", l)
		}
	}
}

func TestSimulate_WritesToPort(t *testing.T) {
	dev := &fakeDevice{}
	f := simulateFlags{port: "sim0", baud: 9600, fast: true, interval: time.Second, count: 2}
	if err := runSimulate(context.Background(), f, openerFor(map[string]*fakeDevice{"sim0": dev}), io.Discard); err != nil {
		t.Fatalf("runSimulate() error: %v", err)
	}
	w := dev.written()
	if len(w) != 2 || !strings.HasPrefix(w[0], "$GPGGA,") || !strings.Contains(w[0], "\r\n$GPRMC,") {
		t.Fatalf("writes=%q", w)
	}
	if !dev.closed {
		t.Fatalf("expected port closed")
	}
}

func TestSimulate_FlagErrors(t *testing.T) {
	cases := []simulateFlags{
		{interval: 0},
		{interval: time.Second, port: "a", out: "b"},
		{interval: time.Second, port: "a", timed: true},
	}
	for _, f := range cases {
		if err := runSimulate(context.Background(), f, nil, io.Discard); err == nil {
			t.Fatalf("expected error for %+v", f)
		}
	}
}

func TestRoverStream_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := roverStream(ctx, sim.Rover{}, time.Unix(0, 0), time.Millisecond, 0, true, func(time.Time, []byte) error {
		n++
		if n == 3 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("roverStream() error: %v", err)
	}
	if n != 3 {
		t.Fatalf("emitted %d epochs, want 3", n)
	}
}
