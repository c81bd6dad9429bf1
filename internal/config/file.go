package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the tunables that may be set from a YAML file. Pointer
// fields distinguish "absent" from zero values.
type fileConfig struct {
	Dedup struct {
		CacheTTL      *string `yaml:"cacheTTL"`
		CacheCapacity *int    `yaml:"cacheCapacity"`
		RemoteTTL     *string `yaml:"remoteTTL"`
	} `yaml:"dedup"`
	Quota struct {
		DefaultBytes *string `yaml:"defaultBytes"`
		DefaultFiles *int64  `yaml:"defaultFiles"`
	} `yaml:"quota"`
	Distribution struct {
		Concurrency   *int            `yaml:"concurrency"`
		TargetTimeout *string         `yaml:"targetTimeout"`
		Threshold     *float64        `yaml:"threshold"`
		Weights       *MatcherWeights `yaml:"weights"`
	} `yaml:"distribution"`
	Optimizer struct {
		MaxUnusedDays             *int     `yaml:"maxUnusedDays"`
		CompressionThreshold      *string  `yaml:"compressionThreshold"`
		DefaultTTL                *string  `yaml:"defaultTTL"`
		Tiering                   *bool    `yaml:"tiering"`
		ArchiveFrequencyThreshold *float64 `yaml:"archiveFrequencyThreshold"`
		ArchiveAfter              *string  `yaml:"archiveAfter"`
		QuotaWarnRatio            *float64 `yaml:"quotaWarnRatio"`
		QuotaEnforcement          *bool    `yaml:"quotaEnforcement"`
		EvictModifiedReferences   *bool    `yaml:"evictModifiedReferences"`
		BatchSize                 *int     `yaml:"batchSize"`
		ItemsPerSecond            *float64 `yaml:"itemsPerSecond"`
		LeaseTTL                  *string  `yaml:"leaseTTL"`
		GracePeriod               *string  `yaml:"gracePeriod"`
	} `yaml:"optimizer"`
	Schedules *Schedules `yaml:"schedules"`
}

// LoadFile overlays the YAML file at path onto c. Values missing from the
// file keep whatever c already holds.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c.apply(&fc)
}

func (c *Config) apply(fc *fileConfig) error {
	if err := applyDuration("dedup.cacheTTL", fc.Dedup.CacheTTL, &c.DedupCacheTTL); err != nil {
		return err
	}
	if fc.Dedup.CacheCapacity != nil {
		c.DedupCacheCapacity = *fc.Dedup.CacheCapacity
	}
	if err := applyDuration("dedup.remoteTTL", fc.Dedup.RemoteTTL, &c.RemoteCacheTTL); err != nil {
		return err
	}

	if err := applySize("quota.defaultBytes", fc.Quota.DefaultBytes, &c.DefaultQuotaBytes); err != nil {
		return err
	}
	if fc.Quota.DefaultFiles != nil {
		c.DefaultQuotaFiles = *fc.Quota.DefaultFiles
	}

	d := fc.Distribution
	if d.Concurrency != nil {
		c.DistributionConcurrency = *d.Concurrency
	}
	if err := applyDuration("distribution.targetTimeout", d.TargetTimeout, &c.DistributionTargetTimeout); err != nil {
		return err
	}
	if d.Threshold != nil {
		c.MatchThreshold = *d.Threshold
	}
	if d.Weights != nil {
		c.Weights = *d.Weights
	}

	o := fc.Optimizer
	if o.MaxUnusedDays != nil {
		c.Optimizer.MaxUnusedDays = *o.MaxUnusedDays
	}
	if err := applySize("optimizer.compressionThreshold", o.CompressionThreshold, &c.Optimizer.CompressionThreshold); err != nil {
		return err
	}
	if err := applyDuration("optimizer.defaultTTL", o.DefaultTTL, &c.Optimizer.DefaultTTL); err != nil {
		return err
	}
	if o.Tiering != nil {
		c.Optimizer.TieringEnabled = *o.Tiering
	}
	if o.ArchiveFrequencyThreshold != nil {
		c.Optimizer.ArchiveFrequencyThreshold = *o.ArchiveFrequencyThreshold
	}
	if err := applyDuration("optimizer.archiveAfter", o.ArchiveAfter, &c.Optimizer.ArchiveAfter); err != nil {
		return err
	}
	if o.QuotaWarnRatio != nil {
		c.Optimizer.QuotaWarnRatio = *o.QuotaWarnRatio
	}
	if o.QuotaEnforcement != nil {
		c.Optimizer.QuotaEnforcement = *o.QuotaEnforcement
	}
	if o.EvictModifiedReferences != nil {
		c.Optimizer.EvictModifiedReferences = *o.EvictModifiedReferences
	}
	if o.BatchSize != nil {
		c.Optimizer.BatchSize = *o.BatchSize
	}
	if o.ItemsPerSecond != nil {
		c.Optimizer.ItemsPerSecond = *o.ItemsPerSecond
	}
	if err := applyDuration("optimizer.leaseTTL", o.LeaseTTL, &c.Optimizer.LeaseTTL); err != nil {
		return err
	}
	if err := applyDuration("optimizer.gracePeriod", o.GracePeriod, &c.Optimizer.GracePeriod); err != nil {
		return err
	}

	if s := fc.Schedules; s != nil {
		if s.Cleanup != "" {
			c.Schedules.Cleanup = s.Cleanup
		}
		if s.Quotas != "" {
			c.Schedules.Quotas = s.Quotas
		}
		if s.Full != "" {
			c.Schedules.Full = s.Full
		}
	}
	return c.Validate()
}

// Validate checks cross-field constraints that flags alone cannot express.
func (c *Config) Validate() error {
	if c.DistributionConcurrency <= 0 {
		return fmt.Errorf("distribution concurrency must be positive, got %d", c.DistributionConcurrency)
	}
	if c.DedupCacheCapacity <= 0 {
		return fmt.Errorf("dedup cache capacity must be positive, got %d", c.DedupCacheCapacity)
	}
	sum := c.Weights.Topic + c.Weights.Keyword + c.Weights.Importance + c.Weights.ContentType
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("matcher weights must sum to 1.0, got %.3f", sum)
	}
	for name, expr := range map[string]string{
		"cleanup": c.Schedules.Cleanup,
		"quotas":  c.Schedules.Quotas,
		"full":    c.Schedules.Full,
	} {
		if expr != "" && !gronx.IsValid(expr) {
			return fmt.Errorf("invalid %s schedule %q", name, expr)
		}
	}
	return nil
}

func applyDuration(key string, raw *string, dest *time.Duration) error {
	if raw == nil {
		return nil
	}
	v, err := ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applySize(key string, raw *string, dest *int64) error {
	if raw == nil {
		return nil
	}
	v, err := ParseSize(*raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// ParseDuration accepts Go durations ("30s", "5m"), whole days ("90d") and
// the ISO-8601 time subset PT#H#M#S.
func ParseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	if strings.HasSuffix(v, "D") {
		n, err := strconv.Atoi(strings.TrimSuffix(v, "D"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

// ParseSize accepts humanized sizes ("1MiB", "500 MB") or plain byte counts.
func ParseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return int64(v), nil
}
