package config

// DefaultConfigTOML is a complete, commented sample lxproc.toml.
const DefaultConfigTOML = `# lxproc configuration file

[kernel]
# arch = "x86_64"                         # x86_64, riscv64, aarch64, loongarch64
# user_heap_base = "0x4000_0000"          # bottom of every user heap
# signal_trampoline = "0x6000_1000"       # user address of the sigreturn stub
# kernel_base = "0xffff_8000_0000_0000"   # start of the kernel mapping
# kernel_size = "0x7fff_ffff_f000"        # size of the kernel mapping
# max_pages = 4096                        # resident page limit per address space
# total_pages = 0                         # resident pages across all processes, 0 = unlimited
# max_fds = 1024                          # descriptor table size
# init = "/sbin/init"                     # program run as the first process
# init_args = []                          # arguments passed to init

[kernel.credentials]
# uid = 0
# euid = 0
# gid = 0
# egid = 0

[console]
# file = ""                               # copy console output to this file
# max_bytes = "0"                         # rotate the console file at this size
# backups = 0                             # rotated console files to keep
# strip_ansi = false                      # drop ANSI escapes from console output
# quiet = false                           # do not echo console output to stdout
# buffer_size = 65536                     # bytes of console tail kept in memory

[log]
# level = "info"                          # debug, info, warn, error
# format = "json"                         # json, text
# file = ""                               # log file path (default: stderr)
# max_bytes = "0"                         # rotate the log file at startup past this size
# backups = 0                             # rotated log files to keep

[server]
# enabled = false                         # serve the introspection API
# listen = "127.0.0.1:9876"               # TCP listen address
# username = ""                           # HTTP Basic Auth username
# password = ""                           # bcrypt-hashed password
# web = false                             # serve the HTML dashboard at /
# static_dir = ""                         # override the embedded dashboard assets

[daemon]
# pid_file = ""                           # locked PID file path
# shutdown_timeout = 30                   # seconds to wait for tasks on stop
`
