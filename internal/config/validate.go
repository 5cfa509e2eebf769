package config

import (
	"fmt"
	"net"
	"strings"
)

// validArchs lists the supported target architectures.
var validArchs = map[string]bool{
	"x86_64": true, "riscv64": true, "aarch64": true, "loongarch64": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"json": true, "text": true,
}

const pageSize = 4096

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error
	k := cfg.Kernel

	if !validArchs[k.Arch] {
		errs = append(errs, fmt.Errorf("kernel.arch: unsupported architecture %q", k.Arch))
	}
	for _, a := range []struct {
		name string
		val  Addr
	}{
		{"user_heap_base", k.UserHeapBase},
		{"signal_trampoline", k.SignalTrampoline},
		{"kernel_base", k.KernelBase},
		{"kernel_size", k.KernelSize},
	} {
		if a.val%pageSize != 0 {
			errs = append(errs, fmt.Errorf("kernel.%s: %s is not page aligned", a.name, a.val))
		}
	}
	if k.KernelBase+k.KernelSize < k.KernelBase {
		errs = append(errs, fmt.Errorf("kernel: kernel range %s+%s overflows", k.KernelBase, k.KernelSize))
	}
	if k.UserHeapBase >= k.KernelBase && k.UserHeapBase < k.KernelBase+k.KernelSize {
		errs = append(errs, fmt.Errorf("kernel.user_heap_base: %s lies inside the kernel range", k.UserHeapBase))
	}
	if k.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("kernel.max_pages must be >= 1, got %d", k.MaxPages))
	}
	if k.TotalPages < 0 {
		errs = append(errs, fmt.Errorf("kernel.total_pages must be >= 0, got %d", k.TotalPages))
	}
	if k.MaxFDs < 3 {
		errs = append(errs, fmt.Errorf("kernel.max_fds must be >= 3, got %d", k.MaxFDs))
	}
	if strings.TrimSpace(k.Init) == "" {
		errs = append(errs, fmt.Errorf("kernel.init is required"))
	}

	if cfg.Console.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("console.buffer_size must be >= 1, got %d", cfg.Console.BufferSize))
	}
	for _, r := range []struct {
		name    string
		size    string
		backups int
	}{
		{"console", cfg.Console.MaxBytes, cfg.Console.Backups},
		{"log", cfg.Log.MaxBytes, cfg.Log.Backups},
	} {
		if !validSize(r.size) {
			errs = append(errs, fmt.Errorf("%s.max_bytes: invalid size %q", r.name, r.size))
		}
		if r.backups < 0 {
			errs = append(errs, fmt.Errorf("%s.backups must be >= 0, got %d", r.name, r.backups))
		}
	}

	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level))
	}
	if !validLogFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format))
	}

	if cfg.Server.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		}
		if cfg.Server.Username != "" && cfg.Server.Password == "" {
			errs = append(errs, fmt.Errorf("server.password is required when server.username is set"))
		}
	}

	if cfg.Daemon.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("daemon.shutdown_timeout must be >= 0, got %d", cfg.Daemon.ShutdownTimeout))
	}

	return errs
}

// validSize accepts an empty string or a byte count with an optional B, KB,
// MB or GB suffix.
func validSize(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return true
	}
	for _, suffix := range []string{"GB", "MB", "KB", "B"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
