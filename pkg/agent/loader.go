package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadFile merges profiles from a YAML/JSON/TOML file into the directory.
// Entries in the file extend or override the built-in table; an invalid entry
// fails the whole load so a broken file never half-applies.
//
// Expected shape:
//
//	agents:
//	  AR:
//	    agent_id: agent_xxx
//	    name: Agente Porteño
//	    language: es-AR
//	    persona: ...
func (d *Directory) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("agent: read config %s: %w", path, err)
	}
	return d.applyViper(v)
}

func (d *Directory) applyViper(v *viper.Viper) error {
	var file struct {
		Agents map[string]Profile `mapstructure:"agents"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("agent: decode config: %w", err)
	}

	merged := d.Profiles()
	for code, p := range file.Agents {
		key := strings.ToUpper(strings.TrimSpace(code))
		if key == "" {
			continue
		}
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("agent: entry %s: %w", key, err)
		}
		p.CountryCode = key
		merged[key] = p
	}
	if _, ok := merged[d.fallback]; !ok {
		return fmt.Errorf("agent: config removed default region %s", d.fallback)
	}
	d.replaceAll(merged)
	return nil
}

// Watch reloads the config file whenever it changes on disk, until ctx is
// cancelled. Editors that replace-by-rename are handled by watching the parent
// directory. Reload failures are logged and the previous table stays active.
func (d *Directory) Watch(ctx context.Context, path string, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agent: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("agent: watch %s: %w", path, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := d.LoadFile(path); err != nil {
					log.Warn("agent config reload failed, keeping previous table", "path", path, "error", err)
					continue
				}
				log.Info("agent config reloaded", "path", path, "profiles", len(d.Profiles()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("agent config watcher error", "error", err)
			}
		}
	}()
	return nil
}
