package configloader

import (
	"io"

	"gopkg.in/yaml.v3"
)

// PrintConfig выводит конфиг в читаемом виде (YAML).
// Поля с тегом yaml:"-" (секреты) не печатаются.
func PrintConfig(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
