package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gnssrx/internal/config"
)

// SettingsPayload is the editable subset of the config file. Saved changes
// take effect the next time gnssrx starts.
type SettingsPayload struct {
	Parser        string `json:"parser"`
	UTCSource     string `json:"utc_source"`
	RawDumpPrefix string `json:"raw_dump_prefix"`
	RawDumpFormat string `json:"raw_dump_format"`
	RTKFormat     string `json:"rtk_format"`
	RTKSrcPort    string `json:"rtk_src_port"`
	UDPMirrorDest string `json:"udp_mirror_dest"`
}

// SettingsPayloadIn is the strict POST schema. Every key is required; an
// empty string is how a caller clears an optional setting.
type SettingsPayloadIn struct {
	Parser        *string `json:"parser"`
	UTCSource     *string `json:"utc_source"`
	RawDumpPrefix *string `json:"raw_dump_prefix"`
	RawDumpFormat *string `json:"raw_dump_format"`
	RTKFormat     *string `json:"rtk_format"`
	RTKSrcPort    *string `json:"rtk_src_port"`
	UDPMirrorDest *string `json:"udp_mirror_dest"`
}

var settingsPostKeys = []string{
	"parser",
	"utc_source",
	"raw_dump_prefix",
	"raw_dump_format",
	"rtk_format",
	"rtk_src_port",
	"udp_mirror_dest",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	// Token pass: object shape, unknown and duplicate keys, nulls.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	end, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out SettingsPayloadIn
	typed := json.NewDecoder(bytes.NewReader(body))
	typed.DisallowUnknownFields()
	if err := typed.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		Parser:        cfg.Parser,
		UTCSource:     cfg.UTCSource,
		RawDumpPrefix: cfg.RawDump.Prefix,
		RawDumpFormat: cfg.RawDump.Format,
		RTKFormat:     cfg.RTK.Format,
		RTKSrcPort:    cfg.RTK.SrcPort,
		UDPMirrorDest: cfg.UDPMirror.Dest,
	}
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if p.Parser == nil || strings.TrimSpace(*p.Parser) == "" {
		return errors.New("parser must be non-empty")
	}
	for _, v := range []*string{p.UTCSource, p.RawDumpPrefix, p.RawDumpFormat, p.RTKFormat, p.RTKSrcPort, p.UDPMirrorDest} {
		if v == nil {
			return errors.New("all settings keys are required")
		}
	}

	cfg.Parser = strings.TrimSpace(*p.Parser)
	cfg.UTCSource = strings.TrimSpace(*p.UTCSource)
	cfg.RawDump.Prefix = strings.TrimSpace(*p.RawDumpPrefix)
	cfg.RawDump.Format = strings.TrimSpace(*p.RawDumpFormat)
	cfg.RTK.Format = strings.TrimSpace(*p.RTKFormat)
	cfg.RTK.SrcPort = strings.TrimSpace(*p.RTKSrcPort)
	cfg.UDPMirror.Dest = strings.TrimSpace(*p.UDPMirrorDest)
	return nil
}

// SettingsStore reads and rewrites the YAML config at ConfigPath.
type SettingsStore struct {
	ConfigPath string
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Temp file in the same directory so the rename is atomic.
	dir := filepath.Dir(s.ConfigPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.ConfigPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.ConfigPath)
}

func writeSettings(w http.ResponseWriter, cfg config.Config) {
	b, err := json.MarshalIndent(configToSettingsPayload(cfg), "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func (s SettingsStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.ConfigPath) == "" {
			http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			return
		}

		switch r.Method {
		case http.MethodGet:
			cfg, err := s.load()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeSettings(w, cfg)

		case http.MethodPost:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			p, err := decodeSettingsPayloadInStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			cfg, err := s.load()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			if err := applySettingsPayload(&cfg, p); err != nil {
				http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
				return
			}
			if err := config.DefaultAndValidate(&cfg); err != nil {
				http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
				return
			}
			if err := s.save(cfg); err != nil {
				http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
				return
			}
			log.Printf("settings saved path=%s parser=%s; restart to apply", s.ConfigPath, cfg.Parser)
			writeSettings(w, cfg)

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
