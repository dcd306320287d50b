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

import "fmt"

// ValidateConfig returns a non-nil error if config cannot be used to start
// the module.
func ValidateConfig(config *Config) error {
	if config.Cache.SlotCount <= 0 {
		return fmt.Errorf("cache.slot-count must be positive, got %d", config.Cache.SlotCount)
	}
	if config.Cache.FlushTickPeriod <= 0 {
		return fmt.Errorf("cache.flush-tick-period must be positive, got %s", config.Cache.FlushTickPeriod)
	}
	if config.VirtualMem.FramePoolSize <= 0 {
		return fmt.Errorf("virtual-memory.frame-pool-size must be positive, got %d", config.VirtualMem.FramePoolSize)
	}
	if config.VirtualMem.SwapCapacityPages <= 0 {
		return fmt.Errorf("virtual-memory.swap-capacity-pages must be positive, got %d", config.VirtualMem.SwapCapacityPages)
	}
	if config.Storage.FSImagePath == "" {
		return fmt.Errorf("storage.fs-image-path is required")
	}
	if config.Storage.SwapImagePath == "" {
		return fmt.Errorf("storage.swap-image-path is required")
	}
	if config.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("logging.severity %q is not a recognized severity", config.Logging.Severity)
	}
	return nil
}
