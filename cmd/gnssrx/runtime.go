package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"gnssrx/internal/config"
	"gnssrx/internal/gps"
	"gnssrx/internal/ntrip"
	"gnssrx/internal/port"
	"gnssrx/internal/publish"
	"gnssrx/internal/replay"
	"gnssrx/internal/rtk"
	"gnssrx/internal/udp"
	"gnssrx/internal/web"
)

// deviceOpener opens a serial port; tests swap it for in-memory pipes.
type deviceOpener func(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error)

func openSerialDevice(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	p, err := gps.OpenSerial(device, baud)
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
		}
	}
	return p, nil
}

// liveRuntime owns every long-running part of `gnssrx run`. Optional parts
// that fail to start are logged and left out; only the receiver port is
// required.
type liveRuntime struct {
	cfg    config.Config
	device string
	open   deviceOpener

	rx     io.ReadWriteCloser
	shared *port.Shared
	svc    *gps.Service

	dump     io.WriteCloser
	dumpPath string
	mirror   *udp.Mirror

	fwd      *rtk.Forwarder
	rtkSrc   io.ReadWriteCloser
	ntripCli *ntrip.Client
	pub      *publish.Publisher

	status *web.Status
	hub    *web.StreamHub

	wg sync.WaitGroup
}

func newLiveRuntime(ctx context.Context, cfg config.Config, open deviceOpener, status *web.Status) (*liveRuntime, error) {
	if open == nil {
		open = openSerialDevice
	}
	if status == nil {
		status = web.NewStatus()
	}
	parser, err := gps.ParseParserMode(cfg.Parser)
	if err != nil {
		return nil, err
	}

	device := strings.TrimSpace(cfg.Device.Port)
	if device == "" {
		device = gps.AutoDetectDevice()
		if device == "" {
			return nil, fmt.Errorf("no receiver found; set device.port or pass --port")
		}
		log.Printf("gps auto-detected device=%s", device)
	}

	r := &liveRuntime{cfg: cfg, device: device, open: open, status: status, hub: web.NewStreamHub()}

	rx, err := open(device, cfg.Device.Baud, cfg.Device.ReadTimeout)
	if err != nil {
		return nil, err
	}
	r.rx = rx
	r.shared = port.NewShared(rx)

	if err := r.openDumpSinks(ctx); err != nil {
		r.Close()
		return nil, err
	}

	// AIM negotiation reads replies straight from the port, so it must finish
	// before the driver starts reading.
	if cfg.RTK.Enabled() {
		r.fwd = rtk.NewForwarder(r.shared, rx, rtk.Options{Format: cfg.RTK.Format, ReplyTimeout: cfg.RTK.ReplyTimeout})
		armCtx, cancel := context.WithTimeout(ctx, 10*cfg.RTK.ReplyTimeout)
		err := r.fwd.Arm(armCtx)
		cancel()
		if err != nil {
			log.Printf("rtk arm failed format=%s: %v", cfg.RTK.Format, err)
		} else {
			log.Printf("rtk armed format=%s src_port=%s", cfg.RTK.Format, cfg.RTK.SrcPort)
		}
	}

	var dump io.Writer
	switch {
	case r.dump != nil && r.mirror != nil:
		dump = io.MultiWriter(r.dump, r.mirror)
	case r.dump != nil:
		dump = r.dump
	case r.mirror != nil:
		dump = r.mirror
	}

	r.svc = gps.NewService(gps.Config{
		Device:      device,
		Baud:        cfg.Device.Baud,
		MaxBuffered: cfg.MaxBufferedBytes,
		Session: gps.Options{
			Parser:    parser,
			UTCSource: cfg.UTCSource,
			Dump:      dump,
		},
	})
	r.svc.OnUpdate(func(gps.Observation, gps.ConnectionState) {
		r.hub.Publish(r.svc.Snapshot())
	})

	if cfg.MQTT.Enable {
		pub, err := publish.Connect(publish.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Retained: cfg.MQTT.Retained,
		}, publish.Pose{X: cfg.SensorPose.X, Y: cfg.SensorPose.Y, Z: cfg.SensorPose.Z})
		if err != nil {
			// Keep running without publishing.
			log.Printf("mqtt init failed: %v", err)
		} else {
			r.pub = pub
			r.svc.OnUpdate(pub.Publish)
		}
	}

	status.SetDumpPath(r.dumpPath)
	status.SetGPSSource(r.svc.Snapshot)
	if r.fwd != nil {
		status.SetRTKSource(r.rtkSnapshot)
	}

	if err := r.svc.Start(ctx, rx); err != nil {
		r.Close()
		return nil, err
	}

	if r.fwd != nil {
		if err := r.startCorrections(ctx); err != nil {
			log.Printf("rtk correction source failed: %v", err)
		}
	}
	return r, nil
}

func (r *liveRuntime) openDumpSinks(ctx context.Context) error {
	w, path, err := replay.OpenDump(ctx, replay.DumpConfig{
		Dir:    r.cfg.RawDump.Dir,
		Prefix: r.cfg.RawDump.Prefix,
		Format: r.cfg.RawDump.Format,
		FIFO:   r.cfg.RawDump.FIFO,
	}, time.Now())
	if err != nil {
		return fmt.Errorf("raw dump: %w", err)
	}
	if w != nil {
		r.dump = w
		r.dumpPath = path
		log.Printf("raw dump enabled path=%s format=%s", path, r.cfg.RawDump.Format)
	}

	if dest := strings.TrimSpace(r.cfg.UDPMirror.Dest); dest != "" {
		m, err := udp.NewMirror(dest)
		if err != nil {
			log.Printf("udp mirror init failed: %v", err)
		} else {
			r.mirror = m
			log.Printf("udp mirror enabled dest=%s", dest)
		}
	}
	return nil
}

func (r *liveRuntime) startCorrections(ctx context.Context) error {
	if r.cfg.RTK.UsesNTRIP() {
		n := r.cfg.RTK.NTRIP
		r.ntripCli = ntrip.NewClient(ntrip.Config{
			Addr:        n.Addr,
			Mountpoint:  n.Mountpoint,
			User:        n.User,
			Password:    n.Password,
			GGAInterval: n.GGAInterval,
		})
		r.status.SetNTRIPSource(r.ntripCli.Stats)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			gga := func() string { return r.svc.LastGGA(true) }
			if err := r.ntripCli.Run(ctx, r.fwd.Forward, gga); err != nil {
				log.Printf("ntrip stopped: %v", err)
			}
		}()
		return nil
	}

	src, err := r.open(r.cfg.RTK.SrcPort, r.cfg.RTK.SrcBaud, gps.SerialReadTimeout)
	if err != nil {
		return err
	}
	r.rtkSrc = src
	log.Printf("rtk correction source port=%s baud=%d", r.cfg.RTK.SrcPort, r.cfg.RTK.SrcBaud)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		st, err := rtk.Pump(ctx, src, r.fwd)
		if err != nil {
			log.Printf("rtk pump stopped: %v", err)
		}
		log.Printf("rtk pump done chunks=%d bytes=%d rejected=%d", st.Chunks, st.Bytes, st.Rejected)
	}()
	return nil
}

func (r *liveRuntime) rtkSnapshot() web.RTKSnapshot {
	snap := web.RTKSnapshot{
		State:     r.fwd.State().String(),
		Format:    r.cfg.RTK.Format,
		SrcPort:   r.cfg.RTK.SrcPort,
		Forwarded: r.fwd.Forwarded(),
	}
	if err := r.fwd.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

// Close stops readers first so Disarm can read the receiver's reply, then
// releases ports and sinks. The ctx given to newLiveRuntime must already be
// done.
func (r *liveRuntime) Close() {
	if r == nil {
		return
	}
	if r.rtkSrc != nil {
		_ = r.rtkSrc.Close()
	}
	r.wg.Wait()
	if r.svc != nil {
		r.svc.Close()
	}
	if r.fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*r.cfg.RTK.ReplyTimeout)
		if err := r.fwd.Disarm(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("rtk disarm: %v", err)
		}
		cancel()
	}
	if r.shared != nil {
		writes, n := r.shared.Stats()
		log.Printf("receiver port writes=%d bytes=%d", writes, n)
	}
	if r.pub != nil {
		published, failed := r.pub.Stats()
		log.Printf("mqtt published=%d failed=%d", published, failed)
		r.pub.Close()
	}
	if r.dump != nil {
		if err := r.dump.Close(); err != nil {
			log.Printf("raw dump close: %v", err)
		}
	}
	if r.mirror != nil {
		datagrams, n := r.mirror.Stats()
		log.Printf("udp mirror datagrams=%d bytes=%d", datagrams, n)
		_ = r.mirror.Close()
	}
	if r.rx != nil {
		_ = r.rx.Close()
	}
}
