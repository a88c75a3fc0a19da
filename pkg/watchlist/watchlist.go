// Package watchlist persists the ordered list of handles the Scanner walks
// on every tick.
package watchlist

import (
	"errors"
	"os"
	"sync"

	"github.com/wisbric/autoengine/internal/atomicfile"
)

type fileShape struct {
	Handles []string `json:"handles"`
}

// List is a mutex-guarded, disk-backed ordered list of watched handles.
type List struct {
	path string

	mu      sync.RWMutex
	handles []string
}

// NewList loads (or initializes) the watch list at path.
func NewList(path string) (*List, error) {
	l := &List{path: path}
	var f fileShape
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		l.handles = f.Handles
	}
	return l, nil
}

// Handles returns a snapshot of the current ordered handle list.
func (l *List) Handles() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.handles))
	copy(out, l.handles)
	return out
}

// Set replaces the entire watch list and persists it.
func (l *List) Set(handles []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = append([]string(nil), handles...)
	return atomicfile.WriteJSON(l.path, fileShape{Handles: l.handles})
}
