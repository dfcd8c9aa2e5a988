// Package catalog serves sequence definitions from a YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type file struct {
	Sequences []domain.SequenceDefinition `yaml:"sequences" validate:"dive"`
}

// Catalog is an in-memory index of sequence definitions by id and trigger.
type Catalog struct {
	path     string
	validate *validator.Validate

	mu        sync.RWMutex
	byID      map[string]domain.SequenceDefinition
	byTrigger map[string]string
}

var _ ports.SequenceCatalog = (*Catalog)(nil)

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path, validate: validator.New()}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file. On error the previous definitions stay in place.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}
	byID, byTrigger, err := c.parse(data)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.byID, c.byTrigger = byID, byTrigger
	c.mu.Unlock()
	return nil
}

func (c *Catalog) parse(data []byte) (map[string]domain.SequenceDefinition, map[string]string, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	if len(f.Sequences) == 0 {
		return nil, nil, fmt.Errorf("no sequences defined")
	}
	if err := c.validate.Struct(f); err != nil {
		return nil, nil, err
	}

	byID := make(map[string]domain.SequenceDefinition, len(f.Sequences))
	byTrigger := make(map[string]string)
	for _, def := range f.Sequences {
		if _, dup := byID[def.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate sequence id %q", def.ID)
		}
		for i := range def.Steps {
			def.Steps[i].Kind = domain.ParseKind(string(def.Steps[i].Kind))
		}
		byID[def.ID] = def
		if def.Trigger == "" {
			continue
		}
		if other, dup := byTrigger[def.Trigger]; dup {
			return nil, nil, fmt.Errorf("trigger %q used by %q and %q", def.Trigger, other, def.ID)
		}
		byTrigger[def.Trigger] = def.ID
	}
	return byID, byTrigger, nil
}

func (c *Catalog) Lookup(_ context.Context, idOrTrigger string) (*domain.SequenceDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.byID[idOrTrigger]
	if !ok {
		id, found := c.byTrigger[idOrTrigger]
		if !found {
			return nil, fmt.Errorf("%w: %s", domain.ErrSequenceNotFound, idOrTrigger)
		}
		def = c.byID[id]
	}
	return &def, nil
}

// Watch reloads the catalog whenever its file changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (c *Catalog) Watch(ctx context.Context, changed func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := c.Reload(); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("catalog reload failed, keeping previous definitions")
				continue
			}
			log.Ctx(ctx).Info().Str("path", c.path).Msg("sequence catalog reloaded")
			if changed != nil {
				changed()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Ctx(ctx).Error().Err(err).Msg("fsnotify error")
		}
	}
}

// Len returns how many definitions are loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
