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

// Package cfg binds the module's runtime configuration (cache sizing,
// swap sizing, image paths, logging) from pflags and an optional YAML
// file via viper, grounded on cfg/config.go+cfg/defaults.go+
// cfg/decode_hook.go's BindFlags/DecodeHook split.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the module's bound runtime configuration .
type Config struct {
	Cache CacheConfig `yaml:"cache"`
	VirtualMem VirtualMemConfig `yaml:"virtual-memory"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig sizes the block-buffer cache .
type CacheConfig struct {
	// SlotCount is the number of fixed-size buffer-cache slots.
	SlotCount int `yaml:"slot-count"`

	// FlushTickPeriod is the configured period between buffer-cache
	// flushes. It is bound and validated, but internal/buffercache does
	// not read it: the cache arms a flush every 10,000 clock ticks and
	// performs it on the next write.
	FlushTickPeriod time.Duration `yaml:"flush-tick-period"`
}

// VirtualMemConfig sizes the frame table and swap partition (,
// §4.5).
type VirtualMemConfig struct {
	// FramePoolSize is the number of physical-frame-equivalent slots the
	// frame table manages.
	FramePoolSize int `yaml:"frame-pool-size"`

	// SwapCapacityPages is the number of page-sized slots the swap
	// partition is formatted with.
	SwapCapacityPages int `yaml:"swap-capacity-pages"`
}

// StorageConfig names the backing files for the two block devices.
type StorageConfig struct {
	// FSImagePath is the file backing the on-disk file system.
	FSImagePath ResolvedPath `yaml:"fs-image-path"`

	// SwapImagePath is the file backing the swap partition.
	SwapImagePath ResolvedPath `yaml:"swap-image-path"`
}

// LoggingConfig controls where and how verbosely the module logs.
type LoggingConfig struct {
	// Path is where log output is written; empty means stderr.
	Path ResolvedPath `yaml:"path"`

	// Severity is the minimum severity that is logged.
	Severity LogSeverity `yaml:"severity"`
}

// BindFlags declares every flag this module accepts and binds each to its
// viper configuration key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.IntP("cache-slots", "", DefaultCacheSlotCount, "Number of buffer-cache slots.")
	if err = viper.BindPFlag("cache.slot-count", flagSet.Lookup("cache-slots")); err != nil {
		return err
	}

	flagSet.DurationP("cache-flush-period", "", DefaultFlushTickPeriod, "Period between background buffer-cache flushes.")
	if err = viper.BindPFlag("cache.flush-tick-period", flagSet.Lookup("cache-flush-period")); err != nil {
		return err
	}

	flagSet.IntP("frame-pool-size", "", DefaultFramePoolSize, "Number of physical-frame slots.")
	if err = viper.BindPFlag("virtual-memory.frame-pool-size", flagSet.Lookup("frame-pool-size")); err != nil {
		return err
	}

	flagSet.IntP("swap-capacity-pages", "", DefaultSwapCapacityPages, "Number of page-sized swap slots.")
	if err = viper.BindPFlag("virtual-memory.swap-capacity-pages", flagSet.Lookup("swap-capacity-pages")); err != nil {
		return err
	}

	flagSet.StringP("fs-image", "", "", "Path to the file-system block-device image.")
	if err = viper.BindPFlag("storage.fs-image-path", flagSet.Lookup("fs-image")); err != nil {
		return err
	}

	flagSet.StringP("swap-image", "", "", "Path to the swap block-device image.")
	if err = viper.BindPFlag("storage.swap-image-path", flagSet.Lookup("swap-image")); err != nil {
		return err
	}

	flagSet.StringP("log-path", "", "", "Path to write logs to; empty means stderr.")
	if err = viper.BindPFlag("logging.path", flagSet.Lookup("log-path")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(DefaultLogSeverity), "Minimum severity logged.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	return nil
}
