package config

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	// Kernel defaults (x86_64 platform constants).
	if cfg.Kernel.Arch == "" {
		cfg.Kernel.Arch = "x86_64"
	}
	if cfg.Kernel.UserHeapBase == 0 {
		cfg.Kernel.UserHeapBase = 0x4000_0000
	}
	if cfg.Kernel.SignalTrampoline == 0 {
		cfg.Kernel.SignalTrampoline = 0x6000_1000
	}
	if cfg.Kernel.KernelBase == 0 {
		cfg.Kernel.KernelBase = 0xffff_8000_0000_0000
	}
	if cfg.Kernel.KernelSize == 0 {
		cfg.Kernel.KernelSize = 0x0000_7fff_ffff_f000
	}
	if cfg.Kernel.MaxPages == 0 {
		cfg.Kernel.MaxPages = 4096
	}
	if cfg.Kernel.MaxFDs == 0 {
		cfg.Kernel.MaxFDs = 1024
	}
	if cfg.Kernel.Init == "" {
		cfg.Kernel.Init = "/sbin/init"
	}

	if cfg.Console.BufferSize == 0 {
		cfg.Console.BufferSize = 64 * 1024
	}

	// Log defaults.
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	// Server defaults.
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:9876"
	}

	// Daemon defaults.
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = 30
	}
}
