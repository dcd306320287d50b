// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/clock"
	"github.com/pintosgo/corevm/internal/fs"
	"github.com/pintosgo/corevm/internal/frame"
	"github.com/pintosgo/corevm/internal/metrics"
	"github.com/pintosgo/corevm/internal/mmap"
	"github.com/pintosgo/corevm/internal/process"
	"github.com/pintosgo/corevm/internal/sleepqueue"
	"github.com/pintosgo/corevm/internal/swap"
	"github.com/pintosgo/corevm/internal/vm"
)

// workload is the top-level shape of a `corevm run` YAML file: the two
// block-device images to format and the operation script to run against
// them.
type workload struct {
	FS struct {
		Image string `yaml:"image"`
		Sectors uint32 `yaml:"sectors"`
	} `yaml:"fs"`
	Swap struct {
		Image string `yaml:"image"`
		Pages uint32 `yaml:"pages"`
	} `yaml:"swap"`
	FramePoolSize int `yaml:"frame_pool_size"`
	Operations []workloadOperation `yaml:"operations"`
}

type workloadOperation struct {
	Op string `yaml:"op"`
	Path string `yaml:"path"`
	As string `yaml:"as"`
	FD string `yaml:"fd"`
	Offset int64 `yaml:"offset"`
	Length int `yaml:"length"`
	Data string `yaml:"data"`
	Base uint64 `yaml:"base"`
	Ticks uint64 `yaml:"ticks"`
}

func loadWorkload(path string) (*workload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w workload
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// runWorkload formats fresh block-device images as named in w, builds the
// full stack (buffer cache, free map, frame table, swap, supplemental page
// table, mmap table, process table) and executes w.Operations in order
// against it, logging each step through log.
func runWorkload(w *workload, log *slog.Logger) error {
	m := metrics.NewRegistry(nil)

	fsDev, err := blockdev.OpenFile(w.FS.Image, w.FS.Sectors)
	if err != nil {
		return fmt.Errorf("opening fs image: %w", err)
	}
	defer fsDev.Close()

	swapDev, err := blockdev.OpenFile(w.Swap.Image, w.Swap.Pages*swap.SectorsPerPage)
	if err != nil {
		return fmt.Errorf("opening swap image: %w", err)
	}
	defer swapDev.Close()

	fsys, err := fs.Format(fsDev, w.FS.Sectors, m, log)
	if err != nil {
		return fmt.Errorf("formatting fs: %w", err)
	}
	defer fsys.Close()

	frames := frame.New(w.FramePoolSize, m, log)
	swapPart := swap.New(swapDev)
	sq := sleepqueue.New()

	newTable := func() *vm.Table { return vm.New(frames, swapPart, m, log) }
	newMmaps := func(supp *vm.Table) *mmap.Table { return mmap.New(fsys.Inodes(), supp) }
	mgr := process.NewManager(fsys, sq, newTable, newMmaps)

	root, err := fsys.OpenRootDir()
	if err != nil {
		return fmt.Errorf("opening root dir: %w", err)
	}
	proc := mgr.Root(root)

	fds := make(map[string]int)
	regions := make(map[string]uuid.UUID)
	clk := clock.NewReal()

	for i, op := range w.Operations {
		log.Info("workload step", "index", i, "op", op.Op, "path", op.Path)
		switch op.Op {
		case "create":
			if err := fsys.Create(proc.Cwd(), op.Path, 0); err != nil {
				return fmt.Errorf("step %d create %s: %w", i, op.Path, err)
			}
		case "mkdir":
			if err := fsys.Mkdir(proc.Cwd(), op.Path); err != nil {
				return fmt.Errorf("step %d mkdir %s: %w", i, op.Path, err)
			}
		case "remove":
			if err := fsys.Remove(proc.Cwd(), op.Path); err != nil {
				return fmt.Errorf("step %d remove %s: %w", i, op.Path, err)
			}
		case "open":
			in, err := fsys.OpenFile(proc.Cwd(), op.Path)
			if err != nil {
				return fmt.Errorf("step %d open %s: %w", i, op.Path, err)
			}
			fds[op.As] = proc.OpenFD(in)
		case "close":
			if err := proc.CloseFD(fds[op.FD]); err != nil {
				return fmt.Errorf("step %d close %s: %w", i, op.FD, err)
			}
			delete(fds, op.FD)
		case "write_at":
			if err := proc.Seek(fds[op.FD], op.Offset); err != nil {
				return fmt.Errorf("step %d seek %s: %w", i, op.FD, err)
			}
			n, err := proc.Write(fds[op.FD], []byte(op.Data))
			if err != nil {
				return fmt.Errorf("step %d write_at %s: %w", i, op.FD, err)
			}
			log.Info("wrote bytes", "count", n)
		case "read_at":
			if err := proc.Seek(fds[op.FD], op.Offset); err != nil {
				return fmt.Errorf("step %d seek %s: %w", i, op.FD, err)
			}
			buf := make([]byte, op.Length)
			n, err := proc.Read(fds[op.FD], buf)
			if err != nil && n == 0 {
				return fmt.Errorf("step %d read_at %s: %w", i, op.FD, err)
			}
			log.Info("read bytes", "count", n, "data", string(buf[:n]))
		case "mmap":
			in, err := fsys.OpenFile(proc.Cwd(), op.Path)
			if err != nil {
				return fmt.Errorf("step %d mmap %s: %w", i, op.Path, err)
			}
			id, err := proc.Mmaps.Create(in, op.Base)
			if err != nil {
				return fmt.Errorf("step %d mmap %s: %w", i, op.Path, err)
			}
			regions[op.As] = id
		case "munmap":
			if err := proc.Mmaps.Destroy(regions[op.As]); err != nil {
				return fmt.Errorf("step %d munmap %s: %w", i, op.As, err)
			}
			delete(regions, op.As)
		case "sleep":
			for j := uint64(0); j < op.Ticks; j++ {
				clk.Advance()
			}
			fsys.Tick(clk)
			sq.Tick(clk)
		default:
			return fmt.Errorf("step %d: unknown operation %q", i, op.Op)
		}
	}

	return mgr.Exit(proc, 0)
}
