// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package stress

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dijkstracula/go-nlock"
	"gopkg.in/yaml.v3"
)

// Config describes one stress run.
type Config struct {
	Processors    int           `yaml:"processors"`
	Neurons       int           `yaml:"neurons"`
	Operations    int           `yaml:"operations"`
	WritePercent  int           `yaml:"write_percent"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns a small, quick run.
func DefaultConfig() Config {
	return Config{
		Processors:    8,
		Neurons:       32,
		Operations:    500,
		WritePercent:  20,
		BatchSize:     3,
		FlushInterval: 20 * time.Millisecond,
	}
}

// Validate rejects runs that cannot be executed.
func (c Config) Validate() error {
	switch {
	case c.Processors <= 0:
		return fmt.Errorf("processors must be positive, got %d", c.Processors)
	case c.Neurons <= 0:
		return fmt.Errorf("neurons must be positive, got %d", c.Neurons)
	case c.Operations < 0:
		return fmt.Errorf("operations must not be negative, got %d", c.Operations)
	case c.WritePercent < 0 || c.WritePercent > 100:
		return fmt.Errorf("write_percent must be within [0, 100], got %d", c.WritePercent)
	case c.BatchSize <= 0 || c.BatchSize > c.Neurons:
		return fmt.Errorf("batch_size must be within [1, neurons], got %d", c.BatchSize)
	case c.FlushInterval < 0:
		return fmt.Errorf("flush_interval must not be negative, got %s", c.FlushInterval)
	}
	return nil
}

// FileConfig is the on-disk layout: the manager's settings at the top level
// and the run under "stress".
type FileConfig struct {
	nlock.Config `yaml:",inline"`
	Stress       Config `yaml:"stress"`
}

// LoadFile reads a FileConfig from path. A missing file yields the defaults.
func LoadFile(path string) (*FileConfig, error) {
	fc := &FileConfig{Config: *nlock.DefaultConfig(), Stress: DefaultConfig()}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fc, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := fc.Config.Validate(); err != nil {
		return nil, err
	}
	if err := fc.Stress.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}
