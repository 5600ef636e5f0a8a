package corpus

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/sha256-simd"
	"gopkg.in/yaml.v2"
)

// OnDiskCorpus keeps an in-memory index and writes every added input to dir,
// named by the first 16 hex digits of its SHA-256, next to a YAML sidecar.
// It is append-only and meant for solutions.
type OnDiskCorpus struct {
	mem *InMemoryCorpus
	dir string
}

// sidecar is the human-readable description written next to each input.
type sidecar struct {
	ID         uint64            `yaml:"id"`
	Origin     string            `yaml:"origin"`
	ExecTime   string            `yaml:"exec_time"`
	Executions uint64            `yaml:"executions"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
}

func NewOnDisk(dir string) (*OnDiskCorpus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}
	return &OnDiskCorpus{mem: NewInMemory(), dir: dir}, nil
}

func (c *OnDiskCorpus) Dir() string { return c.dir }

// FileName is the content-derived name an input is stored under.
func FileName(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:8])
}

func (c *OnDiskCorpus) Add(tc *Testcase) (ID, error) {
	if tc == nil {
		return 0, errors.New("nil testcase")
	}
	name := FileName(tc.Input)
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, tc.Input, 0o644); err != nil {
			return 0, fmt.Errorf("write testcase: %w", err)
		}
	}
	tc.Filename = name
	id, err := c.mem.Add(tc)
	if err != nil {
		return 0, err
	}
	if err := c.writeSidecar(id, tc); err != nil {
		return id, err
	}
	return id, nil
}

func (c *OnDiskCorpus) writeSidecar(id ID, tc *Testcase) error {
	sc := sidecar{
		ID:         uint64(id),
		Origin:     tc.Origin.String(),
		ExecTime:   tc.ExecTime.String(),
		Executions: tc.Executions,
	}
	if tc.Meta != nil {
		sc.Metadata = map[string]string{}
		for _, k := range tc.Meta.Keys() {
			sc.Metadata[k] = describe(tc.Meta, k)
		}
	}
	out, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	path := filepath.Join(c.dir, "."+tc.Filename+".metadata")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

func (c *OnDiskCorpus) Get(id ID) (*Testcase, error) { return c.mem.Get(id) }

func (c *OnDiskCorpus) Replace(ID, *Testcase) (*Testcase, error) { return nil, ErrAppendOnly }

func (c *OnDiskCorpus) Remove(ID) (*Testcase, error) { return nil, ErrAppendOnly }

func (c *OnDiskCorpus) IDs() []ID { return c.mem.IDs() }

func (c *OnDiskCorpus) Count() int { return c.mem.Count() }

func (c *OnDiskCorpus) Current() (ID, bool) { return c.mem.Current() }

func (c *OnDiskCorpus) SetCurrent(id ID) error { return c.mem.SetCurrent(id) }

func (c *OnDiskCorpus) NextID() ID { return c.mem.NextID() }

func (c *OnDiskCorpus) Contains(input []byte) bool { return c.mem.Contains(input) }

type onDiskWire struct {
	Dir string
	Mem *InMemoryCorpus
}

func (c *OnDiskCorpus) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(onDiskWire{Dir: c.dir, Mem: c.mem}); err != nil {
		return nil, fmt.Errorf("encode on-disk corpus: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *OnDiskCorpus) GobDecode(b []byte) error {
	var w onDiskWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return fmt.Errorf("decode on-disk corpus: %w", err)
	}
	if w.Mem == nil {
		w.Mem = NewInMemory()
	}
	c.dir, c.mem = w.Dir, w.Mem
	return nil
}
