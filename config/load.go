package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const EnvPrefix = "ISLEIMG"

// Load reads configuration from a YAML file and ISLEIMG_* environment
// variables, on top of Default. An empty path searches the working
// directory for isleimg.yaml; a missing file is not an error.
// Byte sizes accept humanized values such as "30MiB".
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("isleimg")
		v.SetConfigType("yaml")
	}

	d := Default()
	v.SetDefault("memory.fraction", d.MemoryFraction)
	v.SetDefault("memory.reference", "0")
	v.SetDefault("memory.disabled", false)
	v.SetDefault("disk.dir", d.CacheDir)
	v.SetDefault("disk.size", humanize.IBytes(uint64(d.DiskCacheSize)))
	v.SetDefault("disk.disabled", false)
	v.SetDefault("worker.pool_size", d.PoolSize)
	v.SetDefault("worker.target_width", d.TargetWidth)
	v.SetDefault("worker.target_height", d.TargetHeight)
	v.SetDefault("worker.full_resolution", false)
	v.SetDefault("decode.format", d.Format.String())
	v.SetDefault("decode.codec", string(d.Codec))
	v.SetDefault("decode.fine_grained_reuse", false)
	v.SetDefault("decode.reuse_pool", humanize.IBytes(uint64(d.ReusePoolBytes)))
	v.SetDefault("decode.bounds_cache_entries", d.BoundsCacheSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	c := Config{
		MemoryFraction:     v.GetFloat64("memory.fraction"),
		DisableMemoryCache: v.GetBool("memory.disabled"),
		CacheDir:           v.GetString("disk.dir"),
		DisableDiskCache:   v.GetBool("disk.disabled"),
		PoolSize:           v.GetInt("worker.pool_size"),
		TargetWidth:        v.GetInt("worker.target_width"),
		TargetHeight:       v.GetInt("worker.target_height"),
		FullResolution:     v.GetBool("worker.full_resolution"),
		Codec:              bitmap.Codec(v.GetString("decode.codec")),
		FineGrainedReuse:   v.GetBool("decode.fine_grained_reuse"),
		BoundsCacheSize:    v.GetInt64("decode.bounds_cache_entries"),
	}

	var err error
	if c.ReferenceMemory, err = parseBytes(v, "memory.reference"); err != nil {
		return Config{}, err
	}
	if c.DiskCacheSize, err = parseBytes(v, "disk.size"); err != nil {
		return Config{}, err
	}
	if c.ReusePoolBytes, err = parseBytes(v, "decode.reuse_pool"); err != nil {
		return Config{}, err
	}
	if c.Format, err = bitmap.ParseFormat(v.GetString("decode.format")); err != nil {
		return Config{}, fmt.Errorf("config: decode.format: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return int64(n), nil
}
