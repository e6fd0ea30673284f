package logger

import "sync"

// components holds loggers registered under a component name, usually
// with a level that differs from the global one.
var components sync.Map // name -> *Logger

// Register makes l the logger Get returns for name.
func Register(name string, l *Logger) {
	components.Store(name, l)
}

// Unregister drops the logger registered for name.
func Unregister(name string) {
	components.Delete(name)
}

// Get returns the logger registered for name, or the global logger tagged
// with name.
func Get(name string) *Logger {
	if l, ok := components.Load(name); ok {
		return l.(*Logger)
	}
	return GetGlobalLogger().WithComponent(name)
}

// RegisterDefaults registers a component-tagged copy of the global logger
// for each name.
func RegisterDefaults(names ...string) {
	global := GetGlobalLogger()
	for _, name := range names {
		Register(name, global.WithComponent(name))
	}
}

// registerLevels registers a component logger at its own level for each
// entry of levels, e.g. {"cache": "debug", "ratelimit": "warn"}.
func registerLevels(global *Logger, levels map[string]string) {
	for name, level := range levels {
		Register(name, global.WithComponent(name).WithLevel(level))
	}
}
