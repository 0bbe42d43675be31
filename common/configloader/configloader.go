package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load заполняет cfgPtr: defaults → YAML → ENV.
//
// path может перечислять несколько файлов через запятую: каждый следующий
// накладывается поверх предыдущего ("base.yaml,prod.yaml"). Пустой path →
// только defaults и ENV. envPrefix — префикс переменных, например "TRADESYNC";
// ENV перекрывает только ключи, известные из defaults или файлов.
//
// Если cfgPtr реализует ApplyDefaults()/Validate() error, они вызываются
// после decode именно в этом порядке.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()
	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, file := range splitPaths(path) {
		v.SetConfigFile(file)
		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}
		if err := read(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", file, err)
		}
	}

	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}
	// defaults, которые нельзя выразить через viper (вложенные слайсы, производные поля)
	if c, ok := cfgPtr.(interface{ ApplyDefaults() }); ok {
		c.ApplyDefaults()
	}
	if c, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}
	return nil
}

func splitPaths(path string) []string {
	var out []string
	for _, p := range strings.Split(path, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
