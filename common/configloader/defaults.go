package configloader

import "sync"

var (
	defaultsMu sync.RWMutex
	defaults   = make(map[string]interface{})
)

// RegisterDefaults регистрирует дефолт одного ключа ("http.addr").
// Ключ, известный по дефолту, можно перекрыть через ENV.
func RegisterDefaults(k string, v interface{}) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaults[k] = v
}

// RegisterSection регистрирует дефолты секции: ключи получают префикс
// section + ".".
func RegisterSection(section string, kv map[string]interface{}) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	for k, v := range kv {
		defaults[section+"."+k] = v
	}
}

func getDefaults() map[string]interface{} {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()

	cp := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	return cp
}
