// Command corpusseed distills a seed corpus for a built-in target: it
// generates random candidates, keeps the ones that reach new coverage and
// writes them out as a directory or a zip archive.
package main

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"alma.local/covfuzz/config"
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/generator"
	"alma.local/covfuzz/internal/engine"
	"alma.local/covfuzz/internal/targets"
	"alma.local/covfuzz/state"
)

var (
	flagOut     = flag.StringP("out", "o", "corpus/export", "output directory for seed corpora")
	flagCount   = flag.Int("candidates", 256, "random candidates generated per target")
	flagMaxLen  = flag.Int("max-len", 32, "maximum candidate length")
	flagBinary  = flag.Bool("binary", false, "generate arbitrary bytes instead of printable text")
	flagSeed    = flag.Uint64("seed", 1, "random seed")
	flagFormat  = flag.String("format", "dir", "output format: dir or zip")
	flagTargets = flag.String("targets", "", "optional comma-separated list of targets to export (default: all)")
)

func main() {
	flag.Parse()

	selected := filterTargets(targets.Names(), *flagTargets)
	if len(selected) == 0 {
		log.Fatalf("no targets selected")
	}
	format := strings.ToLower(*flagFormat)
	if format != "dir" && format != "zip" {
		log.Fatalf("unsupported format %q (expected dir or zip)", format)
	}
	if err := os.MkdirAll(*flagOut, 0o755); err != nil {
		log.Fatalf("create out dir: %v", err)
	}

	var gen generator.Generator = generator.RandPrintables{MaxSize: *flagMaxLen}
	if *flagBinary {
		gen = generator.RandBytes{MaxSize: *flagMaxLen}
	}

	for _, name := range selected {
		seeds, err := distill(context.Background(), name, gen, *flagCount, *flagSeed)
		if err != nil {
			log.Fatalf("distill %s: %v", name, err)
		}
		dest := filepath.Join(*flagOut, name)
		if format == "dir" {
			err = emitDir(dest, seeds)
		} else {
			dest += ".zip"
			err = emitZip(dest, seeds)
		}
		if err != nil {
			log.Fatalf("write %s: %v", dest, err)
		}
		log.WithFields(log.Fields{"target": name, "seeds": len(seeds), "out": dest}).Info("exported corpus")
	}
}

// distill runs n generated candidates against the target and returns the
// inputs the coverage feedback kept, in corpus order.
func distill(ctx context.Context, target string, gen generator.Generator, n int, seed uint64) ([][]byte, error) {
	cfg := config.Default()
	cfg.Target = target
	cfg.Engine.Seed = seed
	cfg.Engine.SolutionsDir = ""
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	st, err := engine.NewState(cfg, 0)
	if err != nil {
		return nil, err
	}
	err = eng.Fuzzer.GenerateInitialInputs(ctx, eng.Executor, st, gen, events.NewSimple(nil), n, false)
	if err != nil && !errors.Is(err, fuzzer.ErrNoSeeds) {
		return nil, err
	}
	return inputs(st)
}

func inputs(st *state.State) ([][]byte, error) {
	var out [][]byte
	for _, id := range st.Corpus.IDs() {
		tc, err := st.Corpus.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, tc.Input)
	}
	return out, nil
}

func filterTargets(all []string, filter string) []string {
	if filter == "" {
		return all
	}
	names := map[string]bool{}
	for _, part := range strings.Split(filter, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names[strings.ToLower(trimmed)] = true
		}
	}
	var out []string
	for _, t := range all {
		if names[strings.ToLower(t)] {
			out = append(out, t)
		}
	}
	return out
}

func emitDir(dest string, seeds [][]byte) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := os.WriteFile(filepath.Join(dest, corpus.FileName(seed)), seed, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func emitZip(path string, seeds [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zipw := zip.NewWriter(f)
	for _, seed := range seeds {
		w, err := zipw.Create(corpus.FileName(seed))
		if err != nil {
			return err
		}
		if _, err := w.Write(seed); err != nil {
			return fmt.Errorf("zip %s: %w", corpus.FileName(seed), err)
		}
	}
	return zipw.Close()
}
