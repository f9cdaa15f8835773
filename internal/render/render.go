// Package render renders mustache templates kept in the store under
// ["templates", ...]. Partials are looked up next to the template being
// rendered first, then from the templates root.
package render

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/pkg/log"
)

const Extension = ".mustache"

var (
	Root = keys.New("templates")

	ErrTemplateNotFound = errors.New("template not found")
)

// Renderer renders templates from a store. Templates are read in the same
// snapshot as their partials, so a render never mixes template versions.
type Renderer struct {
	store *store.Store
	dir   keys.Key
}

func New(s *store.Store) *Renderer {
	return &Renderer{store: s, dir: Root}
}

// In returns a renderer that resolves single-segment partial names in dir
// (relative to the templates root) before falling back to the root.
func (r *Renderer) In(dir ...string) *Renderer {
	return &Renderer{store: r.store, dir: Root.Append(dir...)}
}

// Render renders the template name ("chat" or "chat/line") with data.
func (r *Renderer) Render(name string, data any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	return store.ReadValue(r.store, func(tx *store.ReadTx) (string, error) {
		pp := &partials{tx: tx, dir: r.dir}
		body, err := pp.Get(name)
		if err != nil {
			return "", err
		}
		tmpl, err := mustache.ParseStringPartials(body, pp)
		if err != nil {
			return "", fmt.Errorf("while parsing %s: %w", name, err)
		}
		return tmpl.Render(data)
	})
}

type partials struct {
	tx  *store.ReadTx
	dir keys.Key
}

func (p *partials) Get(name string) (string, error) {
	parts := strings.Split(name, "/")
	candidates := []keys.Key{Root.Append(parts...)}
	if len(parts) == 1 {
		candidates = append([]keys.Key{p.dir.Append(parts...)}, candidates...)
	}

	for _, k := range candidates {
		body, err := p.tx.Get(k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
	return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}

// Install stores a template under its slash separated name.
func Install(tx *store.WriteTx, name, body string) error {
	return tx.Put(Root.Append(strings.Split(name, "/")...), []byte(body))
}

// InstallFS replaces every stored template with the *.mustache files of
// fsys, in one transaction. "chat/line.mustache" is stored as "chat/line".
func InstallFS(s *store.Store, fsys fs.FS) (int, error) {
	return store.WriteValue(s, func(tx *store.WriteTx) (int, error) {
		if _, err := tx.DeletePrefix(Root); err != nil {
			return 0, err
		}
		n := 0
		err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path.Ext(p) != Extension {
				return nil
			}
			body, err := fs.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			n++
			return Install(tx, strings.TrimSuffix(p, Extension), string(body))
		})
		if err != nil {
			return 0, fmt.Errorf("install templates: %w", err)
		}
		log.App.Info().Int("templates", n).Msg("templates installed")
		return n, nil
	})
}
