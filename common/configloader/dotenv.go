package configloader

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadDotEnv подгружает переменные из .env-файлов до чтения конфига.
// Отсутствующие файлы пропускаются, уже выставленные переменные не перетираются.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("configloader: load %q: %w", p, err)
		}
	}
	return nil
}
