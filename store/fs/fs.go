package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tictalk/tictalk/store"
	"github.com/tictalk/tictalk/store/mem"
)

// Config represents the file store config structure.
type Config struct {
	Path          string        `koanf:"path"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// File represents the file implementation of the Store interface. Data is
// held in memory and written to disk periodically and on Close.
type File struct {
	*mem.InMemory

	cfg   *Config
	dirty bool
	mu    sync.Mutex
	stop  chan struct{}
	wg    sync.WaitGroup
	log   *log.Logger
}

type fileData struct {
	Users []mem.Record      `json:"users"`
	Data  map[string][]byte `json:"data"`
}

// New returns a new file store, loading existing data from cfg.Path.
func New(cfg Config, log *log.Logger) (*File, error) {
	m, _ := mem.New(mem.Config{})
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	f := &File{
		InMemory: m,
		cfg:      &cfg,
		stop:     make(chan struct{}),
		log:      log,
	}
	if err := f.load(); err != nil {
		return nil, err
	}

	f.wg.Add(1)
	go f.watch()
	return f, nil
}

// watch flushes the store to disk periodically.
func (f *File) watch() {
	defer f.wg.Done()

	t := time.NewTicker(f.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := f.save(); err != nil {
				f.log.Printf("error writing file %q: %v", f.cfg.Path, err)
			}
		case <-f.stop:
			return
		}
	}
}

// load the data from the file system.
func (f *File) load() error {
	b, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var x fileData
	if err := json.Unmarshal(b, &x); err != nil {
		return fmt.Errorf("error parsing %q: %w", f.cfg.Path, err)
	}
	f.Restore(x.Users, x.Data)
	return nil
}

// save the data to the file system if it has changed. The file is written
// to a temp file first and renamed over the old one.
func (f *File) save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty {
		return nil
	}

	users, data := f.Snapshot()
	b, err := json.Marshal(fileData{Users: users, Data: data})
	if err != nil {
		return err
	}

	tmp := f.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.cfg.Path); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// touch marks the store as changed if err is nil.
func (f *File) touch(err error) error {
	if err == nil {
		f.mu.Lock()
		f.dirty = true
		f.mu.Unlock()
	}
	return err
}

// AddUser adds a user to the store.
func (f *File) AddUser(u store.User) error {
	return f.touch(f.InMemory.AddUser(u))
}

// IncrementWins adds a win to a user's record.
func (f *File) IncrementWins(id string) error {
	return f.touch(f.InMemory.IncrementWins(id))
}

// IncrementLosses adds a loss to a user's record.
func (f *File) IncrementLosses(id string) error {
	return f.touch(f.InMemory.IncrementLosses(id))
}

// AddFriend adds friendID to a user's friend list.
func (f *File) AddFriend(id, friendID string) error {
	return f.touch(f.InMemory.AddFriend(id, friendID))
}

// Set a value.
func (f *File) Set(key string, data []byte) error {
	return f.touch(f.InMemory.Set(key, data))
}

// Close stops the flusher and writes pending changes to disk.
func (f *File) Close() error {
	close(f.stop)
	f.wg.Wait()
	return f.save()
}
