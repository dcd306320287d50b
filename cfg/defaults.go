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

package cfg

import "time"

const (
	// DefaultCacheSlotCount matches fixed N = 64.
	DefaultCacheSlotCount = 64

	DefaultFlushTickPeriod = 30 * time.Second

	DefaultFramePoolSize = 256

	DefaultSwapCapacityPages = 1024

	DefaultLogSeverity = InfoLogSeverity
)

// GetDefaultConfig returns the configuration used before any flags or YAML
// file have been parsed.
func GetDefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			SlotCount: DefaultCacheSlotCount,
			FlushTickPeriod: DefaultFlushTickPeriod,
		},
		VirtualMem: VirtualMemConfig{
			FramePoolSize: DefaultFramePoolSize,
			SwapCapacityPages: DefaultSwapCapacityPages,
		},
		Logging: LoggingConfig{
			Severity: DefaultLogSeverity,
		},
	}
}
