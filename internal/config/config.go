// Package config handles loading and validating lxproc configuration.
package config

import (
	"fmt"
	"strconv"
)

// Config is the top-level lxproc configuration.
type Config struct {
	Kernel  KernelConfig  `toml:"kernel"`
	Console ConsoleConfig `toml:"console"`
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
	Daemon  DaemonConfig  `toml:"daemon"`
}

// KernelConfig holds platform constants and the init program.
type KernelConfig struct {
	Arch             string            `toml:"arch"`
	UserHeapBase     Addr              `toml:"user_heap_base"`
	SignalTrampoline Addr              `toml:"signal_trampoline"`
	KernelBase       Addr              `toml:"kernel_base"`
	KernelSize       Addr              `toml:"kernel_size"`
	MaxPages         int               `toml:"max_pages"`
	TotalPages       int               `toml:"total_pages"`
	MaxFDs           int               `toml:"max_fds"`
	Init             string            `toml:"init"`
	InitArgs         []string          `toml:"init_args"`
	Credentials      CredentialsConfig `toml:"credentials"`
}

// SharedKernelTable reports whether user address spaces on the configured
// architecture carry the kernel mappings. On aarch64 and loongarch64 the
// kernel runs on a separate translation table.
func (k KernelConfig) SharedKernelTable() bool {
	switch k.Arch {
	case "aarch64", "loongarch64":
		return false
	default:
		return true
	}
}

// CredentialsConfig holds the credentials of the init process.
type CredentialsConfig struct {
	Uid  uint32 `toml:"uid"`
	Euid uint32 `toml:"euid"`
	Gid  uint32 `toml:"gid"`
	Egid uint32 `toml:"egid"`
}

// ConsoleConfig holds settings for the console behind init's standard
// descriptors.
type ConsoleConfig struct {
	File       string `toml:"file"`
	MaxBytes   string `toml:"max_bytes"`
	Backups    int    `toml:"backups"`
	StripANSI  bool   `toml:"strip_ansi"`
	Quiet      bool   `toml:"quiet"`
	BufferSize int    `toml:"buffer_size"`
}

// LogConfig holds daemon logging settings.
type LogConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	File     string `toml:"file"`
	MaxBytes string `toml:"max_bytes"`
	Backups  int    `toml:"backups"`
}

// ServerConfig holds introspection HTTP server settings.
type ServerConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Web       bool   `toml:"web"`
	StaticDir string `toml:"static_dir"`
}

// DaemonConfig holds process-level daemon settings.
type DaemonConfig struct {
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// Addr is a virtual address written as a string ("0x4000_0000") so that
// values above the TOML integer range can be expressed.
type Addr uint64

// UnmarshalText parses a decimal, hex (0x), octal (0o) or binary (0b)
// address. Underscores are accepted as digit separators.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Addr(v)
	return nil
}

// MarshalText formats the address in hex.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }
